package handler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"site-license-manager/internal/credentials"
	"site-license-manager/internal/database"
	"site-license-manager/internal/lifecycle"
	"site-license-manager/internal/metrics"
	"site-license-manager/internal/model"
	"site-license-manager/internal/service"
	"site-license-manager/internal/util"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Deps 处理器依赖
type Deps struct {
	DB          *gorm.DB
	Store       database.LicenseStore
	Validation  *service.ValidationService
	Engine      *lifecycle.Engine
	Locker      lifecycle.Locker
	Credentials *credentials.Store
	Audit       *service.ActivityLogger
	Sweeper     *service.Sweeper
	Sheets      *service.SheetSyncService
	Tokens      *util.TokenManager
	Metrics     metrics.Metrics
	Clock       quartz.Clock
	Location    *time.Location
	Logger      *slog.Logger
}

// Handler 所有 HTTP 处理函数的接收者
type Handler struct {
	db         *gorm.DB
	store      database.LicenseStore
	validation *service.ValidationService
	engine     *lifecycle.Engine
	locker     lifecycle.Locker
	creds      *credentials.Store
	audit      *service.ActivityLogger
	sweeper    *service.Sweeper
	sheets     *service.SheetSyncService
	tokens     *util.TokenManager
	metrics    metrics.Metrics
	clock      quartz.Clock
	loc        *time.Location
	logger     *slog.Logger
	validate   *validator.Validate
}

func New(d Deps) *Handler {
	h := &Handler{
		db:         d.DB,
		store:      d.Store,
		validation: d.Validation,
		engine:     d.Engine,
		locker:     d.Locker,
		creds:      d.Credentials,
		audit:      d.Audit,
		sweeper:    d.Sweeper,
		sheets:     d.Sheets,
		tokens:     d.Tokens,
		metrics:    d.Metrics,
		clock:      d.Clock,
		loc:        d.Location,
		logger:     d.Logger,
		validate:   validator.New(),
	}
	if h.metrics == nil {
		h.metrics = metrics.Noop{}
	}
	if h.clock == nil {
		h.clock = quartz.NewReal()
	}
	if h.loc == nil {
		h.loc = time.UTC
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// syncSheet 异步导出到 Google Sheet，失败只记录日志
func (h *Handler) syncSheet(rec model.LicenseRecord) {
	if h.sheets == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sheetSyncTimeout)
		defer cancel()
		if err := h.sheets.SyncLicense(ctx, &rec); err != nil {
			h.logger.Warn("同步 Google Sheet 失败", "license_key", rec.LicenseKey, "error", err)
		}
	}()
}

const sheetSyncTimeout = 30 * time.Second

func pagination(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))

	// 限制页面大小
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func currentUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
