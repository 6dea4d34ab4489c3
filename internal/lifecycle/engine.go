// Package lifecycle 负责许可证状态流转、密钥生成和过期清理
package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"site-license-manager/internal/database"
	"site-license-manager/internal/model"
)

const (
	// KeyLength 许可证密钥长度
	KeyLength = 16
	// keyAlphabet 大小写不敏感的字符集
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// transitions 自动流转允许的状态变化，管理员编辑不受限制
var transitions = map[model.Status][]model.Status{
	model.StatusNew:      {model.StatusActive, model.StatusExpired},
	model.StatusActive:   {model.StatusInactive, model.StatusExpired},
	model.StatusInactive: {model.StatusExpired},
}

// CanTransition 判断自动流转是否允许
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Locker 按许可证密钥串行化读改写
type Locker interface {
	Lock(key string) func()
}

// AuditSink 审计日志
type AuditSink interface {
	Record(ctx context.Context, licenseKey, message string)
}

// Engine 许可证生命周期引擎
type Engine struct {
	store  database.LicenseStore
	locker Locker
	audit  AuditSink
	random io.Reader
	logger *slog.Logger
}

func NewEngine(store database.LicenseStore, locker Locker, audit AuditSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		locker: locker,
		audit:  audit,
		random: rand.Reader,
		logger: logger.With("component", "lifecycle"),
	}
}

// WithRandom 替换随机源，测试使用
func (e *Engine) WithRandom(r io.Reader) *Engine {
	e.random = r
	return e
}

// GenerateKey 生成 16 位大写字母数字密钥
func (e *Engine) GenerateKey() (string, error) {
	return GenerateKey(e.random)
}

// GenerateKey 使用拒绝采样避免取模偏差
func GenerateKey(r io.Reader) (string, error) {
	const limit = 256 - 256%len(keyAlphabet)
	out := make([]byte, 0, KeyLength)
	buf := make([]byte, KeyLength)
	for len(out) < KeyLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("生成许可证密钥失败: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(out) == KeyLength {
				break
			}
		}
	}
	return string(out), nil
}

// Expired 当前时间晚于过期日期零点 (UTC) 即视为过期，过期当天已不可用
func Expired(rec *model.LicenseRecord, now time.Time) bool {
	return now.After(rec.ExpirationDate)
}

// EffectiveStatus 只读计算，不写存储
func EffectiveStatus(rec *model.LicenseRecord, now time.Time) model.Status {
	if Expired(rec, now) {
		return model.StatusExpired
	}
	if rec.Status == "" {
		return model.StatusInactive
	}
	return rec.Status
}

// Activate 首次绑定成功时 new -> active；已过期的许可证不激活
func Activate(rec *model.LicenseRecord, now time.Time) bool {
	if rec.Status != model.StatusNew || Expired(rec, now) {
		return false
	}
	rec.Status = model.StatusActive
	return true
}

// ReconcileResult 一次清理的结果
type ReconcileResult struct {
	Scanned int      `json:"scanned"`
	Expired int      `json:"expired"`
	Skipped int      `json:"skipped"`
	Keys    []string `json:"keys"`
}

// ReconcileAll 将所有已过期但状态不是 expired 的记录持久化为 expired。
// 已经是 expired 的记录不会重写，重复执行没有写入。
func (e *Engine) ReconcileAll(ctx context.Context, now time.Time) (ReconcileResult, error) {
	records, err := e.store.ListAll(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{Scanned: len(records), Keys: []string{}}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec := &records[i]
		if rec.Status == model.StatusExpired || !Expired(rec, now) {
			res.Skipped++
			continue
		}
		changed, err := e.expire(ctx, rec.LicenseKey, now)
		if err != nil {
			return res, err
		}
		if !changed {
			res.Skipped++
			continue
		}
		res.Expired++
		res.Keys = append(res.Keys, rec.LicenseKey)
		if e.audit != nil {
			e.audit.Record(ctx, rec.LicenseKey, fmt.Sprintf("License #%d marked as expired.", rec.ID))
		}
	}

	e.logger.Info("过期清理完成", "scanned", res.Scanned, "expired", res.Expired)
	return res, nil
}

// expire 在密钥锁内重新读取记录再写入，避免覆盖并发的绑定更新
func (e *Engine) expire(ctx context.Context, key string, now time.Time) (bool, error) {
	unlock := e.locker.Lock(key)
	defer unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		rec, err := e.store.FindByKey(ctx, key)
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.Status == model.StatusExpired || !Expired(rec, now) {
			return false, nil
		}
		rec.Status = model.StatusExpired
		err = e.store.Save(ctx, rec)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, database.ErrConflict
}

const maxSaveAttempts = 3
