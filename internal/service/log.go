package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"site-license-manager/internal/model"

	"github.com/coder/quartz"
	"gorm.io/gorm"
)

const defaultLogBuffer = 256

// ActivityLogger 异步写入审计日志和使用记录；队列满时丢弃并告警，不阻塞调用方
type ActivityLogger struct {
	db     *gorm.DB
	clock  quartz.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan any
	done    chan struct{}
}

func NewActivityLogger(db *gorm.DB, clock quartz.Clock, logger *slog.Logger, buffer int) *ActivityLogger {
	if buffer <= 0 {
		buffer = defaultLogBuffer
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &ActivityLogger{
		db:      db,
		clock:   clock,
		logger:  logger.With("component", "activity_log"),
		entries: make(chan any, buffer),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *ActivityLogger) run() {
	defer close(l.done)
	for entry := range l.entries {
		if f, ok := entry.(flushMarker); ok {
			close(f)
			continue
		}
		if err := l.db.Create(entry).Error; err != nil {
			l.logger.Error("写入审计日志失败", "error", err)
		}
	}
}

func (l *ActivityLogger) enqueue(entry any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.entries <- entry:
	default:
		l.logger.Warn("审计日志队列已满，丢弃条目")
	}
}

// Record 记录系统产生的审计消息
func (l *ActivityLogger) Record(_ context.Context, licenseKey, message string) {
	l.enqueue(&model.ActivityLog{
		Action:     "system",
		LicenseKey: licenseKey,
		Message:    message,
		CreatedAt:  l.clock.Now(),
	})
}

// LogOperation 记录管理员操作
func (l *ActivityLogger) LogOperation(userID uint, action, licenseKey, message string) {
	l.enqueue(&model.ActivityLog{
		UserID:     userID,
		Action:     action,
		LicenseKey: licenseKey,
		Message:    message,
		CreatedAt:  l.clock.Now(),
	})
}

// RecordUsage 记录一次校验调用
func (l *ActivityLogger) RecordUsage(usage model.LicenseUsage) {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = l.clock.Now()
	}
	l.enqueue(&usage)
}

type flushMarker chan struct{}

// Flush 等待此前入队的条目全部写入
func (l *ActivityLogger) Flush(ctx context.Context) error {
	marker := make(flushMarker)
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.entries <- marker:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收并等待队列写完
func (l *ActivityLogger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.entries)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetActivityLogs 获取审计日志列表
func (l *ActivityLogger) GetActivityLogs(ctx context.Context, page, pageSize int) ([]model.ActivityLog, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var logs []model.ActivityLog
	var total int64

	db := l.db.WithContext(ctx)

	// 获取总数
	if err := db.Model(&model.ActivityLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("获取日志总数失败: %w", err)
	}

	// 获取分页数据
	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("获取日志列表失败: %w", err)
	}
	return logs, total, nil
}

// GetLicenseUsage 获取某个许可证的使用记录
func (l *ActivityLogger) GetLicenseUsage(ctx context.Context, licenseKey string, page, pageSize int) ([]model.LicenseUsage, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var usages []model.LicenseUsage
	var total int64

	db := l.db.WithContext(ctx).Model(&model.LicenseUsage{}).Where("license_key = ?", licenseKey)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("获取使用记录总数失败: %w", err)
	}

	offset := (page - 1) * pageSize
	if err := db.Order("timestamp DESC, id DESC").Offset(offset).Limit(pageSize).Find(&usages).Error; err != nil {
		return nil, 0, fmt.Errorf("获取使用记录失败: %w", err)
	}
	return usages, total, nil
}

// ClearActivityLogs 清空审计日志
func (l *ActivityLogger) ClearActivityLogs(ctx context.Context) error {
	if err := l.db.WithContext(ctx).Where("1 = 1").Delete(&model.ActivityLog{}).Error; err != nil {
		return fmt.Errorf("清空日志失败: %w", err)
	}
	return nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
