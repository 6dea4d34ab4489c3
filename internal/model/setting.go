package model

import "time"

// Setting 命名的字符串配置项
type Setting struct {
	Name      string    `json:"name" gorm:"primaryKey;size:128"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
