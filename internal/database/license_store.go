package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"site-license-manager/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 许可证不存在
	ErrNotFound = errors.New("license not found")
	// ErrConflict 记录已被其他写入者修改
	ErrConflict = errors.New("license record modified concurrently")
	// ErrDuplicateKey 许可证密钥已存在
	ErrDuplicateKey = errors.New("license key already exists")
)

// LicenseStore 许可证记录存储
type LicenseStore interface {
	FindByKey(ctx context.Context, key string) (*model.LicenseRecord, error)
	Save(ctx context.Context, rec *model.LicenseRecord) error
	ListAll(ctx context.Context) ([]model.LicenseRecord, error)
	Create(ctx context.Context, rec *model.LicenseRecord) error
	List(ctx context.Context, filter LicenseFilter) ([]model.LicenseRecord, int64, error)
	Statistics(ctx context.Context, expiringBefore time.Time) (*model.LicenseStatistics, error)
}

// LicenseFilter 管理端列表查询条件
type LicenseFilter struct {
	Status   model.Status
	Keyword  string
	Page     int
	PageSize int
}

// GormLicenseStore 基于 GORM 的许可证存储
type GormLicenseStore struct {
	db *gorm.DB
}

func NewLicenseStore(db *gorm.DB) *GormLicenseStore {
	return &GormLicenseStore{db: db}
}

func (s *GormLicenseStore) FindByKey(ctx context.Context, key string) (*model.LicenseRecord, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var rec model.LicenseRecord
	err := s.db.WithContext(ctx).Where("license_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询许可证失败: %w", err)
	}
	return &rec, nil
}

// Save 以 Revision 做乐观并发控制；存储中的版本已变化时返回 ErrConflict
func (s *GormLicenseStore) Save(ctx context.Context, rec *model.LicenseRecord) error {
	if rec.ID == 0 {
		return fmt.Errorf("保存许可证失败: 记录未创建")
	}
	prev := rec.Revision
	rec.Revision = prev + 1

	res := s.db.WithContext(ctx).
		Model(rec).
		Where("revision = ?", prev).
		Select("*").
		Omit("id", "license_key", "created_at").
		Updates(rec)
	if res.Error != nil {
		rec.Revision = prev
		return fmt.Errorf("保存许可证失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		rec.Revision = prev
		return ErrConflict
	}
	return nil
}

func (s *GormLicenseStore) ListAll(ctx context.Context) ([]model.LicenseRecord, error) {
	var records []model.LicenseRecord
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("获取许可证列表失败: %w", err)
	}
	return records, nil
}

func (s *GormLicenseStore) Create(ctx context.Context, rec *model.LicenseRecord) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.LicenseRecord{}).
		Where("license_key = ?", rec.LicenseKey).Count(&count).Error; err != nil {
		return fmt.Errorf("创建许可证失败: %w", err)
	}
	if count > 0 {
		return ErrDuplicateKey
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("创建许可证失败: %w", err)
	}
	return nil
}

func (s *GormLicenseStore) List(ctx context.Context, filter LicenseFilter) ([]model.LicenseRecord, int64, error) {
	// 设置默认值
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 10
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}

	db := s.db.WithContext(ctx).Model(&model.LicenseRecord{})
	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}
	if filter.Keyword != "" {
		like := "%" + filter.Keyword + "%"
		db = db.Where("license_key LIKE ? OR client_name LIKE ? OR client_email LIKE ?", like, like, like)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("获取许可证总数失败: %w", err)
	}

	var records []model.LicenseRecord
	offset := (filter.Page - 1) * filter.PageSize
	if err := db.Order("id DESC").Offset(offset).Limit(filter.PageSize).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("获取许可证列表失败: %w", err)
	}
	return records, total, nil
}

func (s *GormLicenseStore) Statistics(ctx context.Context, expiringBefore time.Time) (*model.LicenseStatistics, error) {
	db := s.db.WithContext(ctx)
	stats := &model.LicenseStatistics{LicensesByProduct: make(map[string]int64)}

	if err := db.Model(&model.LicenseRecord{}).Count(&stats.TotalLicenses).Error; err != nil {
		return nil, fmt.Errorf("获取许可证总数失败: %w", err)
	}

	var statusStats []struct {
		Status model.Status
		Count  int64
	}
	if err := db.Model(&model.LicenseRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusStats).Error; err != nil {
		return nil, fmt.Errorf("获取状态统计失败: %w", err)
	}
	for _, ss := range statusStats {
		stats.SetCount(ss.Status, ss.Count)
	}

	// 统计即将过期的许可证数
	if err := db.Model(&model.LicenseRecord{}).
		Where("status <> ? AND expiration_date <= ?", model.StatusExpired, expiringBefore).
		Count(&stats.ExpiringLicenses).Error; err != nil {
		return nil, fmt.Errorf("获取即将过期许可证数失败: %w", err)
	}

	if err := db.Model(&model.LicenseRecord{}).Where("multi_domain = ?", true).
		Count(&stats.MultiDomain).Error; err != nil {
		return nil, fmt.Errorf("获取多域名许可证数失败: %w", err)
	}

	// 按产品统计许可证数量
	var productStats []struct {
		ProductID string
		Count     int64
	}
	if err := db.Model(&model.LicenseRecord{}).
		Select("product_id, count(*) as count").
		Group("product_id").
		Scan(&productStats).Error; err != nil {
		return nil, fmt.Errorf("获取产品统计失败: %w", err)
	}
	for _, ps := range productStats {
		stats.LicensesByProduct[ps.ProductID] = ps.Count
	}
	return stats, nil
}
