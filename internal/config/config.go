package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the bot.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Telegram    TelegramConfig            `json:"telegram"`
	Session     SessionConfig             `json:"session"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address"`
	Env                string `json:"env"`
	LogLevel           string `json:"log_level"`
	MinWorkers         int    `json:"min_workers"`
	MaxWorkers         int    `json:"max_workers"`
	QueueSize          int    `json:"queue_size"`
	WorkerIdleTimeout  int    `json:"worker_idle_timeout"` // minutes
	SendTimeout        int    `json:"send_timeout"`        // seconds
	ResponderPasscode  string `json:"responder_passcode"`
	SupervisorPasscode string `json:"supervisor_passcode"`
	DashboardTokenTTL  int    `json:"dashboard_token_ttl"` // minutes
	DashboardURL       string `json:"dashboard_url"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled   bool   `json:"enabled"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

type TelegramConfig struct {
	Token         string `json:"token"`
	Mode          string `json:"mode"` // polling or webhook
	WebhookURL    string `json:"webhook_url"`
	WebhookPath   string `json:"webhook_path"`
	WebhookSecret string `json:"webhook_secret"` // echoed back in X-Telegram-Bot-Api-Secret-Token
	PollTimeout   int    `json:"poll_timeout"`   // seconds
	Debug         bool   `json:"debug"`
}

type SessionConfig struct {
	Backend string `json:"backend"` // memory or redis
	TTL     int    `json:"ttl"`     // minutes, 0 keeps selections until cleared
}

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load reads configuration from the provided path (defaults to config.json).
// A .env file in the working directory, when present, is loaded first so its
// variables can override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if !isSQLite(name) || db.DSN == "" || keepDSN(db.DSN) || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases[name] = db
	}

	return &cfg, nil
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return errors.New("at least one database must be configured")
	}
	switch c.Telegram.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.Telegram.WebhookURL == "" {
			return errors.New("telegram.webhook_url is required in webhook mode")
		}
		if !validWebhookSecret(c.Telegram.WebhookSecret) {
			return errors.New("telegram.webhook_secret is required in webhook mode: 1-256 characters of A-Z, a-z, 0-9, _ and -")
		}
	default:
		return fmt.Errorf("unsupported telegram mode %q", c.Telegram.Mode)
	}
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if !c.Redis.Enabled {
			return errors.New("session backend redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unsupported session backend %q", c.Session.Backend)
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.BasicConfig.Env, "production")
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COUNSELBOT_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("COUNSELBOT_WEBHOOK_SECRET"); v != "" {
		c.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("COUNSELBOT_RESPONDER_PASSCODE"); v != "" {
		c.BasicConfig.ResponderPasscode = v
	}
	if v := os.Getenv("COUNSELBOT_SUPERVISOR_PASSCODE"); v != "" {
		c.BasicConfig.SupervisorPasscode = v
	}
	if v := os.Getenv("COUNSELBOT_REDIS_ADDR"); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			c.Redis.Host = host
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
			c.Redis.Enabled = true
		}
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 16
		if b.MaxWorkers < b.MinWorkers {
			b.MaxWorkers = b.MinWorkers
		}
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.SendTimeout <= 0 {
		b.SendTimeout = 10
	}
	if b.DashboardTokenTTL <= 0 {
		b.DashboardTokenTTL = 24 * 60
	}
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = ModePolling
	}
	if c.Telegram.WebhookPath == "" {
		c.Telegram.WebhookPath = "/telegram/webhook"
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 60
	}
	if c.Session.Backend == "" {
		c.Session.Backend = BackendMemory
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "counselbot:"
	}
}

func validWebhookSecret(s string) bool {
	if len(s) == 0 || len(s) > 256 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}

// keepDSN reports DSNs that are not plain file paths.
func keepDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, "file:")
}
