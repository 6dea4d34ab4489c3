package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "SLM"

// Config 服务配置
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Sweep    SweepConfig    `yaml:"sweep" envconfig:"SWEEP"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Sheets   SheetsConfig   `yaml:"sheets" envconfig:"SHEETS"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	Timezone        string        `yaml:"timezone" envconfig:"TIMEZONE"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"PATH"`
}

type AuthConfig struct {
	JWTSecret            string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	TokenTTL             time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	DefaultAdminPassword string        `yaml:"default_admin_password" envconfig:"DEFAULT_ADMIN_PASSWORD"`
}

type SweepConfig struct {
	Schedule string        `yaml:"schedule" envconfig:"SCHEDULE"`
	LockTTL  time.Duration `yaml:"lock_ttl" envconfig:"LOCK_TTL"`
	// SkipOnStart 为 true 时启动时不立即执行一次清理
	SkipOnStart bool `yaml:"skip_on_start" envconfig:"SKIP_ON_START"`
}

// RedisConfig 为空时使用进程内锁
type RedisConfig struct {
	URL string `yaml:"url" envconfig:"URL"`
}

type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED"`
	CredentialsPath string `yaml:"credentials_path" envconfig:"CREDENTIALS_PATH"`
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// Load 先读取 YAML 文件（SLM_CONFIG_FILE），再由环境变量覆盖，最后补默认值
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	// 没有 default 标签时 envconfig 只覆盖已设置的环境变量
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	setString(&c.Server.Addr, ":80")
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)
	setString(&c.Server.Timezone, "UTC")
	setString(&c.Database.Path, "data/license.db")
	setDuration(&c.Auth.TokenTTL, 24*time.Hour)
	setString(&c.Auth.DefaultAdminPassword, "admin")
	setString(&c.Sweep.Schedule, "@daily")
	setDuration(&c.Sweep.LockTTL, 10*time.Minute)
	setString(&c.Sheets.SheetName, "Licenses")
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("sweep.schedule: %w", err)
	}
	if c.Sweep.LockTTL <= 0 {
		return errors.New("sweep.lock_ttl must be positive")
	}
	if _, err := time.LoadLocation(c.Server.Timezone); err != nil {
		return fmt.Errorf("server.timezone: %w", err)
	}
	if c.Sheets.Enabled && (c.Sheets.CredentialsPath == "" || c.Sheets.SpreadsheetID == "") {
		return errors.New("sheets.credentials_path and sheets.spreadsheet_id are required when sheets is enabled")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	return nil
}

// Location 返回审计日志使用的时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
