package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"site-license-manager/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsStore 命名字符串配置项的读写
type SettingsStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

type GormSettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(db *gorm.DB) *GormSettingsStore {
	return &GormSettingsStore{db: db}
}

// Get 未设置时返回空字符串
func (s *GormSettingsStore) Get(ctx context.Context, name string) (string, error) {
	var setting model.Setting
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取配置 %s 失败: %w", name, err)
	}
	return setting.Value, nil
}

func (s *GormSettingsStore) Set(ctx context.Context, name, value string) error {
	setting := model.Setting{Name: name, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("写入配置 %s 失败: %w", name, err)
	}
	return nil
}
