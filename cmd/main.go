package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"site-license-manager/internal/binding"
	"site-license-manager/internal/config"
	"site-license-manager/internal/credentials"
	"site-license-manager/internal/database"
	"site-license-manager/internal/handler"
	"site-license-manager/internal/lifecycle"
	"site-license-manager/internal/lock"
	"site-license-manager/internal/metrics"
	"site-license-manager/internal/service"
	"site-license-manager/internal/util"

	"github.com/coder/quartz"
)

func main() {
	if err := run(); err != nil {
		slog.Error("服务退出", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := database.SeedAdmin(db, cfg.Auth.DefaultAdminPassword); err != nil {
		return err
	}

	creds := credentials.NewStore(database.NewSettingsStore(db))
	generated, err := creds.Ensure(ctx)
	if err != nil {
		return err
	}
	if generated {
		logger.Info("已生成新的 API 凭证")
	}

	var sweepLock lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.URL != "" {
		rl, err := lock.NewRedisLocker(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rl.Close()
		sweepLock = rl
		logger.Info("过期清理使用 Redis 锁")
	}

	clock := quartz.NewReal()
	keys := lock.NewKeyMutex()
	prom := metrics.NewProm("slm")
	store := database.NewLicenseStore(db)

	audit := service.NewActivityLogger(db, clock, logger, 0)
	engine := lifecycle.NewEngine(store, keys, audit, logger)
	validation := service.NewValidationService(service.ValidationDeps{
		Store:       store,
		Credentials: creds,
		Binder:      binding.NewManager(),
		Locker:      keys,
		Audit:       audit,
		Metrics:     prom,
		Clock:       clock,
		Logger:      logger,
	})

	sweeper := service.NewSweeper(engine, sweepLock, cfg.Sweep.LockTTL, clock, prom, logger)
	if !cfg.Sweep.SkipOnStart {
		if _, err := sweeper.RunOnce(ctx); err != nil && !errors.Is(err, service.ErrSweepInProgress) {
			logger.Error("启动时过期清理失败", "error", err)
		}
	}
	if err := sweeper.Start(cfg.Sweep.Schedule, cfg.Location()); err != nil {
		return err
	}

	sheets, err := service.NewSheetSyncService(ctx, cfg.Sheets, logger)
	if err != nil {
		// 表格同步失败不影响主流程
		logger.Warn("Google Sheets 同步未启用", "error", err)
		sheets = nil
	}

	h := handler.New(handler.Deps{
		DB:          db,
		Store:       store,
		Validation:  validation,
		Engine:      engine,
		Locker:      keys,
		Credentials: creds,
		Audit:       audit,
		Sweeper:     sweeper,
		Sheets:      sheets,
		Tokens:      util.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Metrics:     prom,
		Clock:       clock,
		Location:    cfg.Location(),
		Logger:      logger,
	})
	app := handler.NewApp(h, handler.AppOptions{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      prom.Handler(),
		AccessLog:    true,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务启动", "addr", cfg.Server.Addr)
		errCh <- app.Listen(cfg.Server.Addr)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("收到退出信号，正在关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); serr != nil {
		logger.Error("HTTP 服务关闭失败", "error", serr)
	}
	if serr := sweeper.Stop(shutdownCtx); serr != nil {
		logger.Warn("定时清理未能及时停止", "error", serr)
	}
	if serr := audit.Close(shutdownCtx); serr != nil {
		logger.Warn("审计日志未完全写入", "error", serr)
	}
	if sqlDB, serr := db.DB(); serr == nil {
		_ = sqlDB.Close()
	}
	return err
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
