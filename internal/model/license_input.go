package model

// LicenseInput 管理员签发许可证的输入
type LicenseInput struct {
	LicenseKey     string `json:"license_key" validate:"omitempty,alphanum,max=64"`
	ProductID      string `json:"product_id" validate:"max=64"`
	ClientName     string `json:"client_name" validate:"max=255"`
	ClientEmail    string `json:"client_email" validate:"omitempty,email"`
	PurchaseDate   string `json:"purchase_date" validate:"omitempty,datetime=2006-01-02"`
	ExpirationDate string `json:"expiration_date" validate:"required,datetime=2006-01-02"`
	Status         string `json:"status" validate:"omitempty,oneof=new active inactive expired"`
	MultiDomain    bool   `json:"multi_domain"`
}

// LicenseUpdateInput 管理员编辑许可证的输入，未提供的字段保持不变。
// 空字符串表示清空（站点 URL、购买日期、邮箱）或保持不变（过期日期、状态），
// 这几个字段的格式只在非空时由 UpdateRules 校验。
type LicenseUpdateInput struct {
	ProductID      *string `json:"product_id" validate:"omitempty,max=64"`
	ClientName     *string `json:"client_name" validate:"omitempty,max=255"`
	ClientEmail    *string `json:"client_email"`
	PurchaseDate   *string `json:"purchase_date"`
	ExpirationDate *string `json:"expiration_date"`
	Status         *string `json:"status"`
	MultiDomain    *bool   `json:"multi_domain"`
	UsageURL       *string `json:"usage_url"`
}

// UpdateRules 返回需要校验的非空字段及其规则
func (in *LicenseUpdateInput) UpdateRules() map[string]FieldRule {
	rules := make(map[string]FieldRule)
	add := func(name string, v *string, tag string) {
		if v != nil && *v != "" {
			rules[name] = FieldRule{Value: *v, Tag: tag}
		}
	}
	add("client_email", in.ClientEmail, "email")
	add("purchase_date", in.PurchaseDate, "datetime="+DateLayout)
	add("expiration_date", in.ExpirationDate, "datetime="+DateLayout)
	add("status", in.Status, "oneof=new active inactive expired")
	add("usage_url", in.UsageURL, "url")
	return rules
}

// FieldRule 单个字段的值和 validator 规则
type FieldRule struct {
	Value string
	Tag   string
}
