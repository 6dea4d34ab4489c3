package model

import (
	"time"
)

// LicenseUsage 许可证的每次校验调用记录
type LicenseUsage struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LicenseKey string    `json:"license_key" gorm:"index"`
	Action     string    `json:"action"` // "validate", "rejected" 等
	SiteURL    string    `json:"site_url"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
}
