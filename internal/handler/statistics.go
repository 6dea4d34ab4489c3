package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const defaultExpiringDays = 30

// HandleLicenseStatistics 看板统计：按状态计数以及即将过期的数量
func (h *Handler) HandleLicenseStatistics(c *fiber.Ctx) error {
	days := defaultExpiringDays
	if v := c.Query("expiring_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"code":    400,
				"message": "expiring_days 必须为非负整数",
			})
		}
		days = n
	}

	expiringBefore := h.clock.Now().AddDate(0, 0, days)
	stats, err := h.store.Statistics(c.UserContext(), expiringBefore)
	if err != nil {
		h.logger.Error("获取统计信息失败", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    500,
			"message": "获取统计信息失败",
		})
	}

	return c.JSON(fiber.Map{
		"code":    200,
		"message": "success",
		"data":    stats,
	})
}
