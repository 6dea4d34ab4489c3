package lifecycle

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"site-license-manager/internal/database"
	"site-license-manager/internal/lock"
	"site-license-manager/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAudit struct {
	mu    sync.Mutex
	lines []string
}

func (a *recordingAudit) Record(_ context.Context, _ string, message string) {
	a.mu.Lock()
	a.lines = append(a.lines, message)
	a.mu.Unlock()
}

// countingStore 统计 Save 调用次数
type countingStore struct {
	database.LicenseStore
	saves int
}

func (s *countingStore) Save(ctx context.Context, rec *model.LicenseRecord) error {
	s.saves++
	return s.LicenseStore.Save(ctx, rec)
}

func newEngine(t *testing.T) (*Engine, *countingStore, *recordingAudit) {
	t.Helper()
	db, err := database.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseTestDB(db) })

	store := &countingStore{LicenseStore: database.NewLicenseStore(db)}
	audit := &recordingAudit{}
	return NewEngine(store, lock.NewKeyMutex(), audit, nil), store, audit
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestGenerateKeyFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		key, err := GenerateKey(rand.Reader)
		require.NoError(t, err)
		assert.Regexp(t, `^[A-Z0-9]{16}$`, key)
		seen[key] = struct{}{}
	}
	assert.Len(t, seen, 200)
}

func TestGenerateKeyRejectsBiasedBytes(t *testing.T) {
	// 252 及以上的字节会被丢弃
	src := append(bytes.Repeat([]byte{255}, 16), bytes.Repeat([]byte{0, 35}, 8)...)
	key, err := GenerateKey(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "A9A9A9A9A9A9A9A9", key)
}

func TestGenerateKeyReaderFailure(t *testing.T) {
	_, err := GenerateKey(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestEngineGenerateKeyUsesInjectedRandom(t *testing.T) {
	e, _, _ := newEngine(t)
	e.WithRandom(bytes.NewReader(bytes.Repeat([]byte{36}, 16)))
	key, err := e.GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAA", key)
}

func TestEffectiveStatus(t *testing.T) {
	rec := &model.LicenseRecord{ExpirationDate: day(2025, 1, 31), Status: model.StatusActive}

	assert.Equal(t, model.StatusActive, EffectiveStatus(rec, day(2025, 1, 15)))
	assert.Equal(t, model.StatusActive, EffectiveStatus(rec, day(2025, 1, 31)))
	assert.Equal(t, model.StatusExpired, EffectiveStatus(rec, day(2025, 2, 1)))
	// 只读
	assert.Equal(t, model.StatusActive, rec.Status)

	rec.Status = ""
	assert.Equal(t, model.StatusInactive, EffectiveStatus(rec, day(2025, 1, 15)))
}

// 过期日期当天零点 (UTC) 之后即为过期，与 strtotime(date) < time() 一致
func TestExpiredBoundaryIsMidnightUTC(t *testing.T) {
	rec := &model.LicenseRecord{ExpirationDate: day(2025, 1, 31), Status: model.StatusActive}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"day_before_last_second", time.Date(2025, 1, 30, 23, 59, 59, 0, time.UTC), false},
		{"exact_midnight", day(2025, 1, 31), false},
		{"one_second_after_midnight", time.Date(2025, 1, 31, 0, 0, 1, 0, time.UTC), true},
		{"noon_on_expiration_day", time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC), true},
		{"midnight_in_later_zone", time.Date(2025, 1, 31, 0, 30, 0, 0, time.FixedZone("CET", 3600)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expired(rec, tt.now))
		})
	}
}

func TestActivate(t *testing.T) {
	rec := &model.LicenseRecord{ExpirationDate: day(2030, 1, 1), Status: model.StatusNew}
	assert.True(t, Activate(rec, day(2025, 1, 1)))
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.False(t, Activate(rec, day(2025, 1, 1)))

	inactive := &model.LicenseRecord{ExpirationDate: day(2030, 1, 1), Status: model.StatusInactive}
	assert.False(t, Activate(inactive, day(2025, 1, 1)))
	assert.Equal(t, model.StatusInactive, inactive.Status)

	lapsed := &model.LicenseRecord{ExpirationDate: day(2020, 1, 1), Status: model.StatusNew}
	assert.False(t, Activate(lapsed, day(2025, 1, 1)))
	assert.Equal(t, model.StatusNew, lapsed.Status)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.StatusNew, model.StatusActive))
	assert.True(t, CanTransition(model.StatusActive, model.StatusExpired))
	assert.True(t, CanTransition(model.StatusInactive, model.StatusExpired))
	assert.False(t, CanTransition(model.StatusExpired, model.StatusActive))
	assert.False(t, CanTransition(model.StatusActive, model.StatusNew))
}

func TestReconcileAllIsIdempotent(t *testing.T) {
	e, store, audit := newEngine(t)
	ctx := context.Background()

	fixtures := []model.LicenseRecord{
		{LicenseKey: "OLDACTIVE", ExpirationDate: day(2025, 1, 31), Status: model.StatusActive},
		{LicenseKey: "OLDNEW", ExpirationDate: day(2024, 6, 1), Status: model.StatusNew},
		{LicenseKey: "ALREADY", ExpirationDate: day(2020, 1, 1), Status: model.StatusExpired},
		{LicenseKey: "FUTURE", ExpirationDate: day(2030, 1, 1), Status: model.StatusActive},
	}
	for i := range fixtures {
		require.NoError(t, store.Create(ctx, &fixtures[i]))
	}

	res, err := e.ReconcileAll(ctx, day(2025, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 2, res.Expired)
	assert.ElementsMatch(t, []string{"OLDACTIVE", "OLDNEW"}, res.Keys)
	assert.Equal(t, 2, store.saves)
	require.Len(t, audit.lines, 2)
	assert.Contains(t, audit.lines[0], "marked as expired")

	got, err := store.FindByKey(ctx, "OLDACTIVE")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	untouched, err := store.FindByKey(ctx, "FUTURE")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, untouched.Status)

	res, err = e.ReconcileAll(ctx, day(2025, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 2, store.saves)
	assert.Len(t, audit.lines, 2)
}

func TestReconcileAllStopsOnCanceledContext(t *testing.T) {
	e, store, _ := newEngine(t)
	require.NoError(t, store.Create(context.Background(),
		&model.LicenseRecord{LicenseKey: "K", ExpirationDate: day(2020, 1, 1), Status: model.StatusActive}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ReconcileAll(ctx, day(2025, 1, 1))
	assert.Error(t, err)
}
