package handler

import (
	"github.com/gofiber/fiber/v2"
)

// HandleGetLogs 分页获取审计日志
func (h *Handler) HandleGetLogs(c *fiber.Ctx) error {
	page, pageSize := pagination(c)

	logs, total, err := h.audit.GetActivityLogs(c.UserContext(), page, pageSize)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "获取日志失败")
	}

	lines := make([]string, len(logs))
	for i, l := range logs {
		lines[i] = l.Line(h.loc)
	}
	return c.JSON(fiber.Map{
		"logs":  logs,
		"lines": lines,
		"total": total,
		"page":  page,
	})
}

// HandleClearLogs 清空审计日志
func (h *Handler) HandleClearLogs(c *fiber.Ctx) error {
	if err := h.audit.ClearActivityLogs(c.UserContext()); err != nil {
		return fail(c, fiber.StatusInternalServerError, "清空日志失败")
	}
	return c.JSON(fiber.Map{
		"message": "日志已清空",
	})
}
