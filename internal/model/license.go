package model

import (
	"time"
)

// Status 许可证状态
type Status string

const (
	StatusNew      Status = "new"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// Valid 判断状态值是否合法
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusInactive, StatusExpired:
		return true
	}
	return false
}

// Statuses 所有合法状态，按生命周期顺序
var Statuses = []Status{StatusNew, StatusActive, StatusInactive, StatusExpired}

// DateLayout 对外的日期格式
const DateLayout = "2006-01-02"

// Telemetry 客户端部署上报的环境信息，仅用于展示
type Telemetry struct {
	HostAppVersion string `json:"host_app_version"`
	PluginVersion  string `json:"plugin_version"`
	WebServer      string `json:"web_server"`
	ServerIP       string `json:"server_ip"`
	RuntimeVersion string `json:"runtime_version"`
	UserIP         string `json:"user_ip"`
	Browser        string `json:"browser"`
	DeviceType     string `json:"device_type"`
	OS             string `json:"os"`
}

// Merge 用 report 中的非空字段覆盖当前值
func (t Telemetry) Merge(report Telemetry) Telemetry {
	pick := func(cur, next string) string {
		if next != "" {
			return next
		}
		return cur
	}
	return Telemetry{
		HostAppVersion: pick(t.HostAppVersion, report.HostAppVersion),
		PluginVersion:  pick(t.PluginVersion, report.PluginVersion),
		WebServer:      pick(t.WebServer, report.WebServer),
		ServerIP:       pick(t.ServerIP, report.ServerIP),
		RuntimeVersion: pick(t.RuntimeVersion, report.RuntimeVersion),
		UserIP:         pick(t.UserIP, report.UserIP),
		Browser:        pick(t.Browser, report.Browser),
		DeviceType:     pick(t.DeviceType, report.DeviceType),
		OS:             pick(t.OS, report.OS),
	}
}

// Binding 许可证与某个站点部署的绑定
type Binding struct {
	SiteURL string `json:"site_url"`
	Telemetry
}

// LicenseRecord 许可证记录
type LicenseRecord struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	LicenseKey     string     `json:"license_key" gorm:"uniqueIndex;size:64;not null"`
	ProductID      string     `json:"product_id" gorm:"index"`
	ClientName     string     `json:"client_name"`
	ClientEmail    string     `json:"client_email"`
	PurchaseDate   *time.Time `json:"purchase_date"`
	ExpirationDate time.Time  `json:"expiration_date" gorm:"not null"`
	Status         Status     `json:"status" gorm:"size:16;not null;default:'new';index"`
	MultiDomain    bool       `json:"multi_domain" gorm:"not null;default:false"`

	UsageURL   string    `json:"usage_url"`
	UsageURLs  []Binding `json:"usage_urls" gorm:"serializer:json"`
	PluginName string    `json:"plugin_name"`
	Telemetry  Telemetry `json:"telemetry" gorm:"embedded"`

	Revision  int64     `json:"revision" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mode 将存储字段投影为绑定模式
func (r *LicenseRecord) Mode() BindingMode {
	if r.MultiDomain {
		bindings := make([]Binding, len(r.UsageURLs))
		copy(bindings, r.UsageURLs)
		return MultiMode{Bindings: bindings}
	}
	if r.UsageURL == "" {
		return SingleMode{}
	}
	return SingleMode{Binding: &Binding{SiteURL: r.UsageURL, Telemetry: r.Telemetry}}
}

// ApplyMode 将绑定模式写回记录，并清空另一种模式的状态
func (r *LicenseRecord) ApplyMode(mode BindingMode) {
	switch m := mode.(type) {
	case SingleMode:
		r.MultiDomain = false
		r.UsageURLs = nil
		if m.Binding == nil {
			r.UsageURL = ""
			return
		}
		r.UsageURL = m.Binding.SiteURL
		r.Telemetry = m.Binding.Telemetry
	case MultiMode:
		r.MultiDomain = true
		r.UsageURL = ""
		r.UsageURLs = m.Bindings
	}
}

// ExpirationDateString 返回 YYYY-MM-DD 格式的过期日期
func (r *LicenseRecord) ExpirationDateString() string {
	if r.ExpirationDate.IsZero() {
		return ""
	}
	return r.ExpirationDate.Format(DateLayout)
}

// BindingMode 绑定模式：单域名或多域名
type BindingMode interface {
	isBindingMode()
}

// SingleMode 单域名模式，最多一个绑定
type SingleMode struct {
	Binding *Binding
}

// MultiMode 多域名模式，按首次出现顺序排列
type MultiMode struct {
	Bindings []Binding
}

func (SingleMode) isBindingMode() {}
func (MultiMode) isBindingMode()  {}
