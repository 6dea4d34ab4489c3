package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"site-license-manager/internal/binding"
	"site-license-manager/internal/credentials"
	"site-license-manager/internal/database"
	"site-license-manager/internal/lifecycle"
	"site-license-manager/internal/lock"
	"site-license-manager/internal/metrics"
	"site-license-manager/internal/model"
	"site-license-manager/internal/service"
	"site-license-manager/internal/util"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const adminPassword = "admin-password"

type testEnv struct {
	app   *fiber.App
	db    *gorm.DB
	store *database.GormLicenseStore
	creds *credentials.Store
	audit *service.ActivityLogger
	prom  *metrics.Prom
	clock *quartz.Mock
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseTestDB(db) })
	require.NoError(t, database.SeedAdmin(db, adminPassword))

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))

	store := database.NewLicenseStore(db)
	creds := credentials.NewStore(database.NewSettingsStore(db))
	_, err = creds.Ensure(context.Background())
	require.NoError(t, err)

	audit := service.NewActivityLogger(db, clock, nil, 0)
	t.Cleanup(func() { _ = audit.Close(context.Background()) })

	keys := lock.NewKeyMutex()
	prom := metrics.NewProm("test")
	engine := lifecycle.NewEngine(store, keys, audit, nil)
	validation := service.NewValidationService(service.ValidationDeps{
		Store:       store,
		Credentials: creds,
		Binder:      binding.NewManager(),
		Locker:      keys,
		Audit:       audit,
		Metrics:     prom,
		Clock:       clock,
	})
	tokens := util.NewTokenManager("test-secret", time.Hour)

	h := New(Deps{
		DB:          db,
		Store:       store,
		Validation:  validation,
		Engine:      engine,
		Locker:      keys,
		Credentials: creds,
		Audit:       audit,
		Sweeper:     service.NewSweeper(engine, lock.NewLocalLocker(), time.Minute, clock, prom, nil),
		Tokens:      tokens,
		Metrics:     prom,
		Clock:       clock,
	})
	env := &testEnv{
		app:   NewApp(h, AppOptions{Metrics: prom.Handler()}),
		db:    db,
		store: store,
		creds: creds,
		audit: audit,
		prom:  prom,
		clock: clock,
	}
	env.token = env.login(t, "admin", adminPassword)
	return env
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp, body := e.do(t, "POST", "/api/v1/users/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.Token
}

func (e *testEnv) do(t *testing.T, method, path, auth string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) admin(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	return e.do(t, method, path, "Bearer "+e.token, payload)
}

func (e *testEnv) basicAuth(t *testing.T) string {
	t.Helper()
	pair, err := e.creds.Get(context.Background())
	require.NoError(t, err)
	return basicHeader(pair.ConsumerKey, pair.ConsumerSecret)
}

func basicHeader(key, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(key+":"+secret))
}

func (e *testEnv) check(t *testing.T, auth string, params url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, body := e.do(t, "GET", "/api/v1/check-license?"+params.Encode(), auth, nil)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return resp, out
}

func (e *testEnv) create(t *testing.T, rec model.LicenseRecord) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), &rec))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
