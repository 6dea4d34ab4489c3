package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"site-license-manager/internal/binding"
	"site-license-manager/internal/credentials"
	"site-license-manager/internal/database"
	"site-license-manager/internal/lifecycle"
	"site-license-manager/internal/metrics"
	"site-license-manager/internal/model"

	"github.com/coder/quartz"
)

const maxSaveAttempts = 3

// CredentialReader 读取当前 consumer key / secret
type CredentialReader interface {
	Get(ctx context.Context) (credentials.Credentials, error)
}

// CheckRequest 一次校验调用上报的内容
type CheckRequest struct {
	LicenseKey string
	SiteURL    string
	PluginName string
	Telemetry  model.Telemetry
	// 调用方信息，只用于使用记录
	RemoteIP  string
	UserAgent string
}

// CheckResult 校验结果，Record 为保存后的记录
type CheckResult struct {
	Record     *model.LicenseRecord
	Status     model.Status
	Bound      bool
	NewBinding bool
	Activated  bool
}

// ValidationService 处理客户端部署的许可证校验
type ValidationService struct {
	store   database.LicenseStore
	creds   CredentialReader
	binder  *binding.Manager
	locker  lifecycle.Locker
	audit   *ActivityLogger
	metrics metrics.Metrics
	clock   quartz.Clock
	logger  *slog.Logger
}

type ValidationDeps struct {
	Store       database.LicenseStore
	Credentials CredentialReader
	Binder      *binding.Manager
	Locker      lifecycle.Locker
	Audit       *ActivityLogger
	Metrics     metrics.Metrics
	Clock       quartz.Clock
	Logger      *slog.Logger
}

func NewValidationService(deps ValidationDeps) *ValidationService {
	s := &ValidationService{
		store:   deps.Store,
		creds:   deps.Credentials,
		binder:  deps.Binder,
		locker:  deps.Locker,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger,
	}
	if s.binder == nil {
		s.binder = binding.NewManager()
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "validation")
	return s
}

// Authenticate 逐字节比较调用方凭证与当前凭证对；未生成凭证时一律失败
func (s *ValidationService) Authenticate(ctx context.Context, consumerKey, consumerSecret string) error {
	current, err := s.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("读取凭证失败: %w", err)
	}
	if !current.Complete() {
		return ErrAuthenticationFailed
	}
	keyOK := subtle.ConstantTimeCompare([]byte(consumerKey), []byte(current.ConsumerKey)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(consumerSecret), []byte(current.ConsumerSecret)) == 1
	if !keyOK || !secretOK {
		return ErrAuthenticationFailed
	}
	return nil
}

// Check 解析许可证、更新绑定与上报信息并计算有效状态。
// 同一密钥的读改写在锁内进行，存储版本冲突时重新读取。
func (s *ValidationService) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	res, err := s.check(ctx, req)
	switch {
	case err == nil:
		s.metrics.IncValidation(metrics.OutcomeOK)
	case errors.Is(err, database.ErrNotFound):
		s.metrics.IncValidation(metrics.OutcomeNotFound)
		return nil, err
	case errors.Is(err, binding.ErrBindingRejected):
		s.metrics.IncValidation(metrics.OutcomeRejected)
		s.recordUsage(req, "rejected")
		return nil, err
	default:
		s.metrics.IncValidation(metrics.OutcomeError)
		s.logger.Error("许可证校验失败", "license_key", req.LicenseKey, "error", err)
		return nil, err
	}

	s.recordUsage(req, "validate")
	if res.NewBinding {
		s.metrics.IncBinding(modeLabel(res.Record.MultiDomain))
	}
	if res.Bound && s.audit != nil {
		s.audit.Record(ctx, req.LicenseKey,
			fmt.Sprintf("License #%d successfully activated on site: %s", res.Record.ID, req.SiteURL))
	}
	return res, nil
}

func (s *ValidationService) check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if req.LicenseKey == "" {
		return nil, database.ErrNotFound
	}

	unlock := s.locker.Lock(req.LicenseKey)
	defer unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		rec, err := s.store.FindByKey(ctx, req.LicenseKey)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()

		before := stateOf(rec)
		bound, err := s.binder.Apply(rec, req.SiteURL, req.PluginName, req.Telemetry)
		if err != nil {
			return nil, err
		}
		activated := false
		if bound.Bound {
			activated = lifecycle.Activate(rec, now)
		}

		// 没有任何变化时不写存储，Revision 保持不变
		if !before.equal(stateOf(rec)) {
			err = s.store.Save(ctx, rec)
		}
		if errors.Is(err, database.ErrConflict) {
			s.logger.Debug("许可证记录版本冲突，重试", "license_key", req.LicenseKey, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &CheckResult{
			Record:     rec,
			Status:     lifecycle.EffectiveStatus(rec, now),
			Bound:      bound.Bound,
			NewBinding: bound.NewBinding,
			Activated:  activated,
		}, nil
	}
	return nil, fmt.Errorf("保存许可证失败: %w", database.ErrConflict)
}

// recordState 校验调用可能修改的字段
type recordState struct {
	status     model.Status
	multi      bool
	usageURL   string
	usageURLs  []model.Binding
	pluginName string
	telemetry  model.Telemetry
}

func stateOf(rec *model.LicenseRecord) recordState {
	return recordState{
		status:     rec.Status,
		multi:      rec.MultiDomain,
		usageURL:   rec.UsageURL,
		usageURLs:  slices.Clone(rec.UsageURLs),
		pluginName: rec.PluginName,
		telemetry:  rec.Telemetry,
	}
}

func (a recordState) equal(b recordState) bool {
	return a.status == b.status &&
		a.multi == b.multi &&
		a.usageURL == b.usageURL &&
		a.pluginName == b.pluginName &&
		a.telemetry == b.telemetry &&
		slices.Equal(a.usageURLs, b.usageURLs)
}

func (s *ValidationService) recordUsage(req CheckRequest, action string) {
	if s.audit == nil {
		return
	}
	s.audit.RecordUsage(model.LicenseUsage{
		LicenseKey: req.LicenseKey,
		Action:     action,
		SiteURL:    req.SiteURL,
		IPAddress:  req.RemoteIP,
		UserAgent:  req.UserAgent,
	})
}

func modeLabel(multi bool) string {
	if multi {
		return "multi"
	}
	return "single"
}
