package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "fractal-trader-bot"
	EnvFileName = "config.env"
)

const (
	DefaultProvider        = "gemini"
	DefaultAnalysisTimeout = 90 * time.Second
	DefaultHistoryLimit    = 20
	DefaultMaxImageBytes   = 10 * 1024 * 1024
	DefaultDBPath          = "fractal.db"
	DefaultDigestCron      = "0 8 * * *"
	DefaultSessionIdle     = 6 * time.Hour
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Config is the runtime configuration read from the environment.
// API keys are not part of it: providers read them at call time.
type Config struct {
	BotToken        string
	AdminID         int64
	Provider        string
	Models          map[string]string // provider -> model override
	AnalysisTimeout time.Duration
	HistoryLimit    int
	MaxImageBytes   int64
	DBPath          string
	HTTPAddr        string
	CORSOrigins     []string
	DigestCron      string // empty disables the digest
	SessionIdle     time.Duration
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := &Config{
		BotToken: get("BOT_TOKEN"),
		Provider: strings.ToLower(get("ANALYSIS_PROVIDER")),
		Models: map[string]string{
			"gemini":    get("GEMINI_MODEL"),
			"openai":    get("OPENAI_MODEL"),
			"anthropic": get("ANTHROPIC_MODEL"),
		},
		DBPath:     get("FRACTAL_DB_PATH"),
		HTTPAddr:   get("HTTP_ADDR"),
		DigestCron: DefaultDigestCron,
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is not set")
	}

	adminIDStr := get("ADMIN_TELEGRAM_ID")
	if adminIDStr == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	adminID, err := strconv.ParseInt(adminIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID must be a valid integer: %w", err)
	}
	cfg.AdminID = adminID

	switch cfg.Provider {
	case "":
		cfg.Provider = DefaultProvider
	case "gemini", "openai", "anthropic":
	default:
		return nil, fmt.Errorf("ANALYSIS_PROVIDER must be gemini, openai or anthropic, got %q", cfg.Provider)
	}

	if cfg.AnalysisTimeout, err = parseDuration(get("ANALYSIS_TIMEOUT"), DefaultAnalysisTimeout); err != nil {
		return nil, fmt.Errorf("ANALYSIS_TIMEOUT: %w", err)
	}
	if cfg.SessionIdle, err = parseDuration(get("SESSION_IDLE_TIMEOUT"), DefaultSessionIdle); err != nil {
		return nil, fmt.Errorf("SESSION_IDLE_TIMEOUT: %w", err)
	}

	cfg.HistoryLimit = DefaultHistoryLimit
	if v := get("HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("HISTORY_LIMIT must be a non-negative integer, got %q", v)
		}
		cfg.HistoryLimit = n
	}

	cfg.MaxImageBytes = DefaultMaxImageBytes
	if v := get("MAX_IMAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MAX_IMAGE_BYTES must be a positive integer, got %q", v)
		}
		cfg.MaxImageBytes = n
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}

	cfg.CORSOrigins = splitList(get("HTTP_CORS_ORIGINS"))
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	// Set but empty disables the digest.
	if v, ok := lookup("DIGEST_CRON"); ok {
		cfg.DigestCron = strings.TrimSpace(v)
	}

	return cfg, nil
}

// Model returns the model override for provider, or "" for the default.
func (c *Config) Model(provider string) string {
	return c.Models[provider]
}

func parseDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
