package handler

import (
	"context"

	"site-license-manager/internal/credentials"

	"github.com/gofiber/fiber/v2"
)

// HandleGetCredentials 返回当前凭证对；secret 只显示掩码
func (h *Handler) HandleGetCredentials(c *fiber.Ctx) error {
	creds, err := h.creds.Get(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"consumer_key":    creds.ConsumerKey,
		"consumer_secret": credentials.Mask(creds.ConsumerSecret),
		"configured":      creds.Complete(),
	})
}

// HandleRotateConsumerKey 生成新的 consumer key，旧值立即失效
func (h *Handler) HandleRotateConsumerKey(c *fiber.Ctx) error {
	return h.rotate(c, credentials.SettingConsumerKey, "New CK key generated: ", h.creds.RotateConsumerKey)
}

// HandleRotateConsumerSecret 生成新的 consumer secret，旧值立即失效
func (h *Handler) HandleRotateConsumerSecret(c *fiber.Ctx) error {
	return h.rotate(c, credentials.SettingConsumerSecret, "New CS key generated: ", h.creds.RotateConsumerSecret)
}

func (h *Handler) rotate(c *fiber.Ctx, name, logPrefix string, fn func(context.Context) (string, error)) error {
	value, err := fn(c.UserContext())
	if err != nil {
		h.logger.Error("凭证轮换失败", "credential", name, "error", err)
		return fail(c, fiber.StatusInternalServerError, "凭证生成失败")
	}

	h.metrics.IncCredentialRotation(name)
	h.audit.LogOperation(currentUserID(c), "rotate_"+name, "", logPrefix+credentials.Mask(value))

	// 新值只在生成时完整返回一次
	return c.JSON(fiber.Map{
		name: value,
	})
}
