package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MICROMARKETS_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MICROMARKETS_* environment variables
// and overwrites the corresponding Config fields when a variable is set.
// This lets operators inject secrets at deploy time without touching the
// TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "MICROMARKETS_STORAGE_DRIVER")
	setStr(&cfg.Storage.Path, "MICROMARKETS_STORAGE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MICROMARKETS_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MICROMARKETS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MICROMARKETS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MICROMARKETS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MICROMARKETS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MICROMARKETS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MICROMARKETS_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MICROMARKETS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MICROMARKETS_POSTGRES_POOL_MIN_CONNS")

	// ── Mirror ──
	setBool(&cfg.Mirror.Enabled, "MICROMARKETS_MIRROR_ENABLED")
	setStr(&cfg.Mirror.URL, "MICROMARKETS_MIRROR_URL")
	setStr(&cfg.Mirror.APIKey, "MICROMARKETS_MIRROR_API_KEY")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MICROMARKETS_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MICROMARKETS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MICROMARKETS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MICROMARKETS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MICROMARKETS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MICROMARKETS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MICROMARKETS_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Channel, "MICROMARKETS_REDIS_CHANNEL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MICROMARKETS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MICROMARKETS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MICROMARKETS_S3_REGION")
	setStr(&cfg.S3.Bucket, "MICROMARKETS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MICROMARKETS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MICROMARKETS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MICROMARKETS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MICROMARKETS_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "MICROMARKETS_S3_PREFIX")

	// ── Chain ──
	setFloat64(&cfg.Chain.SeedBalance, "MICROMARKETS_CHAIN_SEED_BALANCE")

	// ── Audit ──
	setStr(&cfg.Audit.URL, "MICROMARKETS_AUDIT_URL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MICROMARKETS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MICROMARKETS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MICROMARKETS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MICROMARKETS_NOTIFY_EVENTS")

	// ── Server ──
	setInt(&cfg.Server.Port, "MICROMARKETS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MICROMARKETS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MICROMARKETS_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MICROMARKETS_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MICROMARKETS_SERVER_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "MICROMARKETS_MODE")
	setStr(&cfg.LogLevel, "MICROMARKETS_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
