package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RedisURL       string
	RateLimitStore string

	RateAPILimit    int
	RateAPIWindow   time.Duration
	RateAuthLimit   int
	RateAuthWindow  time.Duration
	RateAdminLimit  int
	RateAdminWindow time.Duration

	JWTAccessSecret  string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	PasswordHashAlgo  string
	BcryptCost        int
	PasswordMinLength int
	PasswordMaxLength int

	ThreatLevelHigh   int
	ThreatLevelMedium int

	AlertMinSeverity  string
	AlertWebhookURL   string
	AlertRedisChannel string
	AlertTimeout      time.Duration

	AutoBlockThreshold int
	BlocklistCacheTTL  time.Duration

	TrustProxy         bool
	CORSAllowedOrigins []string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
	ShutdownTimeout          time.Duration

	LogLevel string
	LogFile  string

	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

// Placeholder values from sample env files.
var placeholderSecrets = []string{
	"change_me",
	"changeme",
	"secret",
	"your-secret-key",
	"CHANGE_ME_PRODUCTION_ACCESS_SECRET",
	"CHANGE_ME_PRODUCTION_REFRESH_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "./data/app.db")
	v.SetDefault("db_max_open_conns", 8)
	v.SetDefault("db_max_idle_conns", 4)
	v.SetDefault("db_conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis_url", "")
	v.SetDefault("rate_limit_store", "auto")
	v.SetDefault("rate_limit_api_limit", 100)
	v.SetDefault("rate_limit_api_window", 15*time.Minute)
	v.SetDefault("rate_limit_auth_limit", 5)
	v.SetDefault("rate_limit_auth_window", 15*time.Minute)
	v.SetDefault("rate_limit_admin_limit", 50)
	v.SetDefault("rate_limit_admin_window", 15*time.Minute)
	v.SetDefault("access_token_ttl", 15*time.Minute)
	v.SetDefault("refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("password_hash_algo", "bcrypt")
	v.SetDefault("bcrypt_cost", 12)
	v.SetDefault("password_min_length", 8)
	v.SetDefault("password_max_length", 128)
	v.SetDefault("threat_level_high", 10)
	v.SetDefault("threat_level_medium", 5)
	v.SetDefault("alert_min_severity", "high")
	v.SetDefault("alert_webhook_url", "")
	v.SetDefault("alert_redis_channel", "security:alerts")
	v.SetDefault("alert_timeout", 5*time.Second)
	v.SetDefault("auto_block_threshold", 0)
	v.SetDefault("blocklist_cache_ttl", 5*time.Second)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("http_read_timeout_sec", 10)
	v.SetDefault("http_read_header_timeout_sec", 5)
	v.SetDefault("http_write_timeout_sec", 30)
	v.SetDefault("http_idle_timeout_sec", 60)
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads configuration from defaults, an optional file named by
// CONFIG_FILE, and the environment (highest precedence).
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:               v.GetString("listen_addr"),
		DBDriver:                 strings.ToLower(strings.TrimSpace(v.GetString("db_driver"))),
		DBDSN:                    strings.TrimSpace(v.GetString("db_dsn")),
		DBMaxOpenConns:           v.GetInt("db_max_open_conns"),
		DBMaxIdleConns:           v.GetInt("db_max_idle_conns"),
		DBConnMaxLifetime:        v.GetDuration("db_conn_max_lifetime"),
		RedisURL:                 strings.TrimSpace(v.GetString("redis_url")),
		RateLimitStore:           strings.ToLower(strings.TrimSpace(v.GetString("rate_limit_store"))),
		RateAPILimit:             v.GetInt("rate_limit_api_limit"),
		RateAPIWindow:            v.GetDuration("rate_limit_api_window"),
		RateAuthLimit:            v.GetInt("rate_limit_auth_limit"),
		RateAuthWindow:           v.GetDuration("rate_limit_auth_window"),
		RateAdminLimit:           v.GetInt("rate_limit_admin_limit"),
		RateAdminWindow:          v.GetDuration("rate_limit_admin_window"),
		JWTAccessSecret:          v.GetString("jwt_access_secret"),
		JWTRefreshSecret:         v.GetString("jwt_refresh_secret"),
		AccessTokenTTL:           v.GetDuration("access_token_ttl"),
		RefreshTokenTTL:          v.GetDuration("refresh_token_ttl"),
		PasswordHashAlgo:         strings.ToLower(strings.TrimSpace(v.GetString("password_hash_algo"))),
		BcryptCost:               v.GetInt("bcrypt_cost"),
		PasswordMinLength:        v.GetInt("password_min_length"),
		PasswordMaxLength:        v.GetInt("password_max_length"),
		ThreatLevelHigh:          v.GetInt("threat_level_high"),
		ThreatLevelMedium:        v.GetInt("threat_level_medium"),
		AlertMinSeverity:         strings.ToLower(strings.TrimSpace(v.GetString("alert_min_severity"))),
		AlertWebhookURL:          strings.TrimSpace(v.GetString("alert_webhook_url")),
		AlertRedisChannel:        strings.TrimSpace(v.GetString("alert_redis_channel")),
		AlertTimeout:             v.GetDuration("alert_timeout"),
		AutoBlockThreshold:       v.GetInt("auto_block_threshold"),
		BlocklistCacheTTL:        v.GetDuration("blocklist_cache_ttl"),
		TrustProxy:               v.GetBool("trust_proxy"),
		CORSAllowedOrigins:       splitCSV(v.GetString("cors_allowed_origins")),
		HTTPReadTimeoutSec:       v.GetInt("http_read_timeout_sec"),
		HTTPReadHeaderTimeoutSec: v.GetInt("http_read_header_timeout_sec"),
		HTTPWriteTimeoutSec:      v.GetInt("http_write_timeout_sec"),
		HTTPIdleTimeoutSec:       v.GetInt("http_idle_timeout_sec"),
		ShutdownTimeout:          v.GetDuration("shutdown_timeout"),
		LogLevel:                 strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFile:                  strings.TrimSpace(v.GetString("log_file")),
		BootstrapAdminEmail:      v.GetString("bootstrap_admin_email"),
		BootstrapAdminPassword:   v.GetString("bootstrap_admin_password"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validateSecret("JWT_ACCESS_SECRET", c.JWTAccessSecret); err != nil {
		return err
	}
	if err := validateSecret("JWT_REFRESH_SECRET", c.JWTRefreshSecret); err != nil {
		return err
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be one of: sqlite, postgres")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.DBMaxOpenConns <= 0 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("invalid DB pool config")
	}
	switch c.RateLimitStore {
	case "auto", "sql", "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("RATE_LIMIT_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_STORE must be one of: auto, redis, sql, memory")
	}
	for name, p := range map[string]struct {
		limit  int
		window time.Duration
	}{
		"api":   {c.RateAPILimit, c.RateAPIWindow},
		"auth":  {c.RateAuthLimit, c.RateAuthWindow},
		"admin": {c.RateAdminLimit, c.RateAdminWindow},
	} {
		if p.limit <= 0 || p.window <= 0 {
			return fmt.Errorf("rate limit %s: limit and window must be positive", name)
		}
	}
	switch c.PasswordHashAlgo {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("PASSWORD_HASH_ALGO must be one of: bcrypt, argon2id")
	}
	if c.BcryptCost < 12 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 12 and 31")
	}
	if c.PasswordMinLength < 8 {
		return fmt.Errorf("password min length must be >= 8")
	}
	if c.PasswordMaxLength < c.PasswordMinLength {
		return fmt.Errorf("password max length must be >= min length")
	}
	if c.ThreatLevelMedium < 0 || c.ThreatLevelHigh <= c.ThreatLevelMedium {
		return fmt.Errorf("THREAT_LEVEL_HIGH must be greater than THREAT_LEVEL_MEDIUM")
	}
	switch c.AlertMinSeverity {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("ALERT_MIN_SEVERITY must be one of: low, medium, high")
	}
	if c.AutoBlockThreshold < 0 {
		return fmt.Errorf("AUTO_BLOCK_THRESHOLD must be >= 0")
	}
	return nil
}

func validateSecret(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if slices.Contains(placeholderSecrets, v) || len(v) < 32 {
		return fmt.Errorf("%s must be set to a strong non-default value (>=32 chars)", name)
	}
	return nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
