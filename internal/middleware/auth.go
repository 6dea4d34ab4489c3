package middleware

import (
	"errors"
	"strings"

	"site-license-manager/internal/model"
	"site-license-manager/internal/util"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Auth 校验管理端 Bearer 令牌，将用户 ID 存入 c.Locals("userID")
func Auth(tokens *util.TokenManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return fail(c, fiber.StatusUnauthorized, "未提供认证令牌")
		}

		// 获取 Bearer token
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			return fail(c, fiber.StatusUnauthorized, "无效的认证格式")
		}

		// 验证令牌
		userID, err := tokens.ValidateToken(token)
		if err != nil {
			return fail(c, fiber.StatusUnauthorized, "无效的认证令牌")
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// AdminOnly 必须挂在 Auth 之后
func AdminOnly(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uint)
		if !ok {
			return fail(c, fiber.StatusUnauthorized, "未认证")
		}

		// 从数据库获取用户信息并检查角色
		var user model.User
		err := db.WithContext(c.UserContext()).First(&user, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && user.Role != model.RoleAdmin) {
			return fail(c, fiber.StatusForbidden, "需要管理员权限")
		}
		if err != nil {
			return err
		}

		return c.Next()
	}
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
