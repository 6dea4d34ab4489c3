package handler

import (
	"errors"
	"net/http"
	"time"

	"site-license-manager/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// AppOptions Fiber 应用配置
type AppOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Metrics 非空时挂载到 /metrics
	Metrics   http.Handler
	AccessLog bool
}

func NewApp(h *Handler, opts AppOptions) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(fiber.Map{
					"error": fe.Message,
				})
			}
			h.logger.Error("请求处理失败", "path", c.Path(), "error", err)
			return fail(c, fiber.StatusInternalServerError, "服务器内部错误")
		},
	})

	// 中间件
	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New())
	app.Use(h.observe)

	app.Get("/healthz", h.HandleHealth)
	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
	h.Register(app)
	return app
}

// Register 注册所有路由
func (h *Handler) Register(app *fiber.App) {
	consumerAuth := middleware.ConsumerAuth(h.validation, h.logger)
	auth := middleware.Auth(h.tokens)
	adminOnly := middleware.AdminOnly(h.db)

	// 客户端校验接口，保留旧路径
	app.Get("/smarty-vslm/v1/check-license", consumerAuth, h.HandleCheckLicense)

	// 路由组
	api := app.Group("/api/v1")
	api.Get("/check-license", consumerAuth, h.HandleCheckLicense)

	// 认证路由
	authGroup := api.Group("/auth")
	authGroup.Post("/validate-token", h.HandleValidateToken)
	authGroup.Post("/change-password", auth, h.HandleChangePassword)

	// 用户路由
	users := api.Group("/users")
	users.Post("/login", h.HandleUserLogin)
	users.Get("/info", auth, h.HandleUserInfo)
	users.Get("/login-logs", auth, h.HandleGetLoginLogs)

	// 以下均为管理员专用
	licenses := api.Group("/licenses", auth, adminOnly)
	licenses.Get("/", h.HandleGetAllLicenses)
	licenses.Post("/", h.HandleLicenseIssue)
	licenses.Get("/statistics", h.HandleLicenseStatistics)
	licenses.Post("/reconcile", h.HandleReconcile)
	licenses.Post("/sheet-export", h.HandleSheetExport)
	licenses.Get("/:key", h.HandleGetLicense)
	licenses.Put("/:key", h.HandleLicenseUpdate)
	licenses.Get("/:key/usage", h.HandleLicenseUsage)

	settings := api.Group("/settings", auth, adminOnly)
	settings.Get("/credentials", h.HandleGetCredentials)
	settings.Post("/credentials/consumer-key", h.HandleRotateConsumerKey)
	settings.Post("/credentials/consumer-secret", h.HandleRotateConsumerSecret)

	logs := api.Group("/logs", auth, adminOnly)
	logs.Get("/", h.HandleGetLogs)
	logs.Delete("/", h.HandleClearLogs)
}

func (h *Handler) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	h.metrics.ObserveRequest(c.Method(), c.Route().Path, status, time.Since(start))
	return err
}

// HandleHealth 存活检查，同时检查数据库连接
func (h *Handler) HandleHealth(c *fiber.Ctx) error {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.UserContext())
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
		})
	}
	return c.JSON(fiber.Map{
		"status": "ok",
	})
}
