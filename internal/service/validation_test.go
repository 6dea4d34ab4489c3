package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"site-license-manager/internal/binding"
	"site-license-manager/internal/credentials"
	"site-license-manager/internal/database"
	"site-license-manager/internal/lock"
	"site-license-manager/internal/model"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	store *database.GormLicenseStore
	creds *credentials.Store
	audit *ActivityLogger
	clock *quartz.Mock
	svc   *ValidationService
	pair  credentials.Credentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseTestDB(db) })

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	creds := credentials.NewStore(database.NewSettingsStore(db))
	_, err = creds.Ensure(context.Background())
	require.NoError(t, err)
	pair, err := creds.Get(context.Background())
	require.NoError(t, err)

	audit := NewActivityLogger(db, clock, nil, 0)
	t.Cleanup(func() { _ = audit.Close(context.Background()) })

	store := database.NewLicenseStore(db)
	svc := NewValidationService(ValidationDeps{
		Store:       store,
		Credentials: creds,
		Locker:      lock.NewKeyMutex(),
		Audit:       audit,
		Clock:       clock,
	})
	return &fixture{db: db, store: store, creds: creds, audit: audit, clock: clock, svc: svc, pair: pair}
}

func (f *fixture) create(t *testing.T, rec model.LicenseRecord) *model.LicenseRecord {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), &rec))
	return &rec
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.svc.Authenticate(ctx, f.pair.ConsumerKey, f.pair.ConsumerSecret))
	assert.ErrorIs(t, f.svc.Authenticate(ctx, f.pair.ConsumerKey, "cs_wrong"), ErrAuthenticationFailed)
	assert.ErrorIs(t, f.svc.Authenticate(ctx, "", ""), ErrAuthenticationFailed)

	_, err := f.creds.RotateConsumerSecret(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Authenticate(ctx, f.pair.ConsumerKey, f.pair.ConsumerSecret), ErrAuthenticationFailed)
}

func TestAuthenticateWithoutStoredCredentials(t *testing.T) {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	defer database.CloseTestDB(db)

	svc := NewValidationService(ValidationDeps{
		Store:       database.NewLicenseStore(db),
		Credentials: credentials.NewStore(database.NewSettingsStore(db)),
		Locker:      lock.NewKeyMutex(),
	})
	assert.ErrorIs(t, svc.Authenticate(context.Background(), "", ""), ErrAuthenticationFailed)
}

type failingCreds struct{}

func (failingCreds) Get(context.Context) (credentials.Credentials, error) {
	return credentials.Credentials{}, errors.New("disk gone")
}

func TestAuthenticateStoreFailureIsNotAuthFailure(t *testing.T) {
	svc := NewValidationService(ValidationDeps{Credentials: failingCreds{}, Locker: lock.NewKeyMutex()})
	err := svc.Authenticate(context.Background(), "ck", "cs")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthenticationFailed))
}

func TestCheckUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), CheckRequest{LicenseKey: "NOPE"})
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = f.svc.Check(context.Background(), CheckRequest{})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCheckExpiredIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.LicenseRecord{LicenseKey: "OLD", ExpirationDate: day(2020, 1, 1), Status: model.StatusActive})

	res, err := f.svc.Check(context.Background(), CheckRequest{LicenseKey: "OLD"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, res.Status)

	stored, err := f.store.FindByKey(context.Background(), "OLD")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.Status)
}

func TestCheckSingleDomainFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.LicenseRecord{LicenseKey: "SINGLE", ExpirationDate: day(2030, 1, 1), Status: model.StatusNew})

	res, err := f.svc.Check(ctx, CheckRequest{LicenseKey: "SINGLE", SiteURL: "https://a.example", Telemetry: model.Telemetry{PluginVersion: "1.0"}})
	require.NoError(t, err)
	assert.True(t, res.NewBinding)
	assert.True(t, res.Activated)
	assert.Equal(t, model.StatusActive, res.Status)

	_, err = f.svc.Check(ctx, CheckRequest{LicenseKey: "SINGLE", SiteURL: "https://b.example", Telemetry: model.Telemetry{PluginVersion: "6.6"}})
	assert.ErrorIs(t, err, binding.ErrBindingRejected)

	stored, err := f.store.FindByKey(ctx, "SINGLE")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", stored.UsageURL)
	assert.Equal(t, "1.0", stored.Telemetry.PluginVersion)

	res, err = f.svc.Check(ctx, CheckRequest{LicenseKey: "SINGLE", SiteURL: "https://a.example", Telemetry: model.Telemetry{PluginVersion: "1.1"}})
	require.NoError(t, err)
	assert.False(t, res.NewBinding)
	assert.Equal(t, "1.1", res.Record.Telemetry.PluginVersion)

	require.NoError(t, f.audit.Flush(ctx))
	logs, total, err := f.audit.GetActivityLogs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Contains(t, logs[0].Message, "successfully activated on site: https://a.example")

	usage, total, err := f.audit.GetLicenseUsage(ctx, "SINGLE", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	actions := []string{usage[0].Action, usage[1].Action, usage[2].Action}
	assert.Contains(t, actions, "rejected")
}

func TestCheckNoActivationWithoutBinding(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.LicenseRecord{LicenseKey: "K", ExpirationDate: day(2030, 1, 1), Status: model.StatusNew})

	res, err := f.svc.Check(context.Background(), CheckRequest{LicenseKey: "K", SiteURL: "not a url"})
	require.NoError(t, err)
	assert.False(t, res.Activated)
	assert.Equal(t, model.StatusNew, res.Status)
}

func TestCheckMultiDomainFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.LicenseRecord{LicenseKey: "MULTI", ExpirationDate: day(2030, 1, 1), Status: model.StatusActive, MultiDomain: true})

	for _, call := range []struct{ url, version string }{
		{"https://a.example", "1.0"},
		{"https://b.example", "1.0"},
		{"https://a.example", "2.0"},
	} {
		_, err := f.svc.Check(ctx, CheckRequest{LicenseKey: "MULTI", SiteURL: call.url, Telemetry: model.Telemetry{PluginVersion: call.version}})
		require.NoError(t, err)
	}

	stored, err := f.store.FindByKey(ctx, "MULTI")
	require.NoError(t, err)
	require.Len(t, stored.UsageURLs, 2)
	assert.Equal(t, "https://a.example", stored.UsageURLs[0].SiteURL)
	assert.Equal(t, "2.0", stored.UsageURLs[0].PluginVersion)
	assert.Equal(t, "1.0", stored.UsageURLs[1].PluginVersion)
}

func TestCheckConcurrentSingleDomainOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.LicenseRecord{LicenseKey: "RACE", ExpirationDate: day(2030, 1, 1), Status: model.StatusNew})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Check(context.Background(), CheckRequest{
				LicenseKey: "RACE",
				SiteURL:    fmt.Sprintf("https://site-%d.example", i),
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, binding.ErrBindingRejected)
	}
	assert.Equal(t, 1, ok)
}

// conflictOnceStore 第一次 Save 模拟其他进程抢先写入
type conflictOnceStore struct {
	database.LicenseStore
	mu       sync.Mutex
	injected bool
}

func (s *conflictOnceStore) Save(ctx context.Context, rec *model.LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.injected {
		s.injected = true
		other, err := s.LicenseStore.FindByKey(ctx, rec.LicenseKey)
		if err != nil {
			return err
		}
		other.ApplyMode(model.SingleMode{Binding: &model.Binding{SiteURL: "https://other.example"}})
		if err := s.LicenseStore.Save(ctx, other); err != nil {
			return err
		}
	}
	return s.LicenseStore.Save(ctx, rec)
}

func TestCheckRetriesOnConflictAndSeesOtherWriter(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.LicenseRecord{LicenseKey: "CAS", ExpirationDate: day(2030, 1, 1), Status: model.StatusNew})

	svc := NewValidationService(ValidationDeps{
		Store:       &conflictOnceStore{LicenseStore: f.store},
		Credentials: f.creds,
		Locker:      lock.NewKeyMutex(),
		Clock:       f.clock,
	})

	_, err := svc.Check(context.Background(), CheckRequest{LicenseKey: "CAS", SiteURL: "https://mine.example"})
	assert.ErrorIs(t, err, binding.ErrBindingRejected)

	stored, err := f.store.FindByKey(context.Background(), "CAS")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example", stored.UsageURL)
}

// countingSaveStore 统计 Save 调用次数
type countingSaveStore struct {
	database.LicenseStore
	mu    sync.Mutex
	saves int
}

func (s *countingSaveStore) Save(ctx context.Context, rec *model.LicenseRecord) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.LicenseStore.Save(ctx, rec)
}

func TestCheckSkipsSaveWhenNothingChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.LicenseRecord{LicenseKey: "IDLE", ExpirationDate: day(2030, 1, 1), Status: model.StatusNew})

	store := &countingSaveStore{LicenseStore: f.store}
	svc := NewValidationService(ValidationDeps{
		Store:       store,
		Credentials: f.creds,
		Locker:      lock.NewKeyMutex(),
		Clock:       f.clock,
	})

	// 没有站点 URL 也没有遥测
	for i := 0; i < 3; i++ {
		res, err := svc.Check(ctx, CheckRequest{LicenseKey: "IDLE", SiteURL: "not a url"})
		require.NoError(t, err)
		assert.Equal(t, model.StatusNew, res.Status)
	}
	assert.Equal(t, 0, store.saves)

	report := CheckRequest{LicenseKey: "IDLE", SiteURL: "https://a.example", Telemetry: model.Telemetry{PluginVersion: "1.0"}}
	_, err := svc.Check(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)

	// 相同上报不再写入
	_, err = svc.Check(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)

	stored, err := f.store.FindByKey(ctx, "IDLE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)
	assert.Equal(t, model.StatusActive, stored.Status)
}
