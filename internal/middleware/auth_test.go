package middleware

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"site-license-manager/internal/database"
	"site-license-manager/internal/model"
	"site-license-manager/internal/service"
	"site-license-manager/internal/util"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	key, secret string
	err         error
}

func (a staticAuth) Authenticate(_ context.Context, key, secret string) error {
	if a.err != nil {
		return a.err
	}
	if key != a.key || secret != a.secret {
		return service.ErrAuthenticationFailed
	}
	return nil
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestConsumerAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/check", ConsumerAuth(staticAuth{key: "ck_1", secret: "cs_1"}, nil), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid", basic("ck_1", "cs_1"), fiber.StatusOK},
		{"wrong_secret", basic("ck_1", "cs_2"), fiber.StatusUnauthorized},
		{"missing", "", fiber.StatusUnauthorized},
		{"bearer", "Bearer abc", fiber.StatusUnauthorized},
		{"bad_base64", "Basic %%%", fiber.StatusUnauthorized},
		{"no_colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("ck_1cs_1")), fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/check", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == fiber.StatusUnauthorized {
				body, _ := io.ReadAll(resp.Body)
				assert.JSONEq(t, `{"status":"rest_forbidden","message":"Sorry, you are not allowed to do that."}`, string(body))
				assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}

func TestConsumerAuthStoreFailure(t *testing.T) {
	app := fiber.New()
	app.Get("/check", ConsumerAuth(staticAuth{err: errors.New("db down")}, nil), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	req := httptest.NewRequest("GET", "/check", nil)
	req.Header.Set("Authorization", basic("ck", "cs"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestAuthAndAdminOnly(t *testing.T) {
	db, err := database.NewTestDB()
	require.NoError(t, err)
	defer database.CloseTestDB(db)

	admin := &model.User{Username: "admin", Password: "x", Email: "admin@example.com", Role: model.RoleAdmin}
	user := &model.User{Username: "bob", Password: "x", Email: "bob@example.com", Role: model.RoleUser}
	require.NoError(t, db.Create(admin).Error)
	require.NoError(t, db.Create(user).Error)

	tokens := util.NewTokenManager("secret", time.Hour)
	adminToken, err := tokens.GenerateToken(admin.ID, admin.Role)
	require.NoError(t, err)
	userToken, err := tokens.GenerateToken(user.ID, user.Role)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", Auth(tokens), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": c.Locals("userID")})
	})
	app.Get("/admin", Auth(tokens), AdminOnly(db), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{"no_header", "/me", "", fiber.StatusUnauthorized},
		{"bad_scheme", "/me", "Token " + userToken, fiber.StatusUnauthorized},
		{"bad_token", "/me", "Bearer nope", fiber.StatusUnauthorized},
		{"user_me", "/me", "Bearer " + userToken, fiber.StatusOK},
		{"user_admin", "/admin", "Bearer " + userToken, fiber.StatusForbidden},
		{"admin_admin", "/admin", "Bearer " + adminToken, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
