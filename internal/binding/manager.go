// Package binding 决定一次站点上报能否绑定到许可证，并计算新的绑定状态。
//
// 单域名许可证最多绑定一个站点，已绑定后只有同一 URL 能更新遥测信息；
// 多域名许可证按 URL 精确匹配，命中则原位替换，否则追加，不限制数量。
package binding

import (
	"errors"
	"net/url"

	"site-license-manager/internal/model"

	"github.com/go-playground/validator/v10"
)

// ErrBindingRejected 单域名许可证已绑定到其他站点
var ErrBindingRejected = errors.New("license already activated on another domain")

// Manager 域名绑定管理器
type Manager struct {
	validate *validator.Validate
}

func NewManager() *Manager {
	return &Manager{validate: validator.New()}
}

// ValidURL 必须是带 scheme 和 host 的绝对 URL
func (m *Manager) ValidURL(siteURL string) bool {
	if siteURL == "" {
		return false
	}
	if err := m.validate.Var(siteURL, "url"); err != nil {
		return false
	}
	u, err := url.Parse(siteURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Bind 计算新的绑定模式。URL 无效时原样返回，不视为错误
func (m *Manager) Bind(mode model.BindingMode, siteURL string, report model.Telemetry) (model.BindingMode, error) {
	if !m.ValidURL(siteURL) {
		return mode, nil
	}

	switch cur := mode.(type) {
	case model.SingleMode:
		if cur.Binding == nil {
			return model.SingleMode{Binding: &model.Binding{SiteURL: siteURL, Telemetry: report}}, nil
		}
		if cur.Binding.SiteURL != siteURL {
			return mode, ErrBindingRejected
		}
		// 单域名模式的遥测字段是扁平存储的，只覆盖非空字段
		return model.SingleMode{Binding: &model.Binding{
			SiteURL:   siteURL,
			Telemetry: cur.Binding.Telemetry.Merge(report),
		}}, nil

	case model.MultiMode:
		bindings := make([]model.Binding, len(cur.Bindings), len(cur.Bindings)+1)
		copy(bindings, cur.Bindings)
		entry := model.Binding{SiteURL: siteURL, Telemetry: report}
		for i := range bindings {
			if bindings[i].SiteURL == siteURL {
				bindings[i] = entry
				return model.MultiMode{Bindings: bindings}, nil
			}
		}
		return model.MultiMode{Bindings: append(bindings, entry)}, nil
	}
	return mode, nil
}

// Result 一次绑定的结果
type Result struct {
	// Bound 本次上报的 URL 被接受并写入绑定
	Bound bool
	// NewBinding 本次上报产生了新的绑定（之前未绑定过该 URL）
	NewBinding bool
}

// Apply 在记录上执行绑定并合并扁平遥测字段；被拒绝时记录保持不变
func (m *Manager) Apply(rec *model.LicenseRecord, siteURL string, pluginName string, report model.Telemetry) (Result, error) {
	before := rec.Mode()
	next, err := m.Bind(before, siteURL, report)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if m.ValidURL(siteURL) {
		res.Bound = true
		res.NewBinding = !contains(before, siteURL)
	}

	flat := rec.Telemetry
	rec.ApplyMode(next)
	rec.Telemetry = flat.Merge(report)
	if pluginName != "" {
		rec.PluginName = pluginName
	}
	return res, nil
}

// SwitchMode 管理员切换单/多域名模式，清空另一种模式的绑定
func SwitchMode(rec *model.LicenseRecord, multi bool) {
	if rec.MultiDomain == multi {
		return
	}
	if multi {
		rec.ApplyMode(model.MultiMode{})
		return
	}
	rec.ApplyMode(model.SingleMode{})
}

func contains(mode model.BindingMode, siteURL string) bool {
	switch m := mode.(type) {
	case model.SingleMode:
		return m.Binding != nil && m.Binding.SiteURL == siteURL
	case model.MultiMode:
		for _, b := range m.Bindings {
			if b.SiteURL == siteURL {
				return true
			}
		}
	}
	return false
}
