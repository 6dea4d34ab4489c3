package model

import "time"

// ActivityLog 审计日志条目
type ActivityLog struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UserID     uint      `json:"user_id"`
	Action     string    `json:"action"`
	LicenseKey string    `json:"license_key" gorm:"index"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// Line 按 "[2006-01-02 15:04:05 MST] - 消息" 格式输出
func (l ActivityLog) Line(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return "[" + l.CreatedAt.In(loc).Format("2006-01-02 15:04:05 MST") + "] - " + l.Message
}
