package model

// LicenseStatistics 许可证看板统计
type LicenseStatistics struct {
	TotalLicenses     int64            `json:"total_licenses"`
	NewLicenses       int64            `json:"new_licenses"`
	ActiveLicenses    int64            `json:"active_licenses"`
	InactiveLicenses  int64            `json:"inactive_licenses"`
	ExpiredLicenses   int64            `json:"expired_licenses"`
	ExpiringLicenses  int64            `json:"expiring_licenses"`
	MultiDomain       int64            `json:"multi_domain_licenses"`
	LicensesByProduct map[string]int64 `json:"licenses_by_product"`
}

// CountFor 返回指定状态的数量
func (ls *LicenseStatistics) CountFor(status Status) int64 {
	switch status {
	case StatusNew:
		return ls.NewLicenses
	case StatusActive:
		return ls.ActiveLicenses
	case StatusInactive:
		return ls.InactiveLicenses
	case StatusExpired:
		return ls.ExpiredLicenses
	}
	return 0
}

// SetCount 设置指定状态的数量
func (ls *LicenseStatistics) SetCount(status Status, n int64) {
	switch status {
	case StatusNew:
		ls.NewLicenses = n
	case StatusActive:
		ls.ActiveLicenses = n
	case StatusInactive:
		ls.InactiveLicenses = n
	case StatusExpired:
		ls.ExpiredLicenses = n
	}
}

// GetUsageByProduct 获取指定产品的许可证数量
func (ls *LicenseStatistics) GetUsageByProduct(product string) int64 {
	if count, ok := ls.LicensesByProduct[product]; ok {
		return count
	}
	return 0
}
