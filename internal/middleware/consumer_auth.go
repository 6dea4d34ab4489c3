package middleware

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"site-license-manager/internal/service"

	"github.com/gofiber/fiber/v2"
)

// Authenticator 校验 consumer key / secret
type Authenticator interface {
	Authenticate(ctx context.Context, consumerKey, consumerSecret string) error
}

// ConsumerAuth 校验接口的 Basic 认证，失败时不进入后续处理
func ConsumerAuth(auth Authenticator, logger *slog.Logger) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx) error {
		key, secret, ok := parseBasic(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return Forbidden(c)
		}
		err := auth.Authenticate(c.UserContext(), key, secret)
		if errors.Is(err, service.ErrAuthenticationFailed) {
			return Forbidden(c)
		}
		if err != nil {
			logger.Error("校验调用方凭证失败", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"status":  "error",
				"message": "Internal server error.",
			})
		}
		return c.Next()
	}
}

// Forbidden 认证失败的响应
func Forbidden(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="license"`)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"status":  "rest_forbidden",
		"message": "Sorry, you are not allowed to do that.",
	})
}

func parseBasic(header string) (string, string, bool) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}
