package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Ledger   LedgerConfig
	Report   ReportConfig
}

type ServerConfig struct {
	Port          string
	AllowedOrigin string
	LogLevel      string
	LogFormat     string
}

type PostgresConfig struct {
	URL         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Secret     string
	ManagerPIN string
}

type LedgerConfig struct {
	LockTTL          time.Duration
	LockWait         time.Duration
	SnapshotTTL      time.Duration
	AppendMaxRetries int
	PageSize         int
}

type ReportConfig struct {
	CommissionDefaultRate decimal.Decimal
	CategoryPredefined    []string
	CategoryCustom        []string
	CategoryAliases       map[string]string
	CategoryFallback      string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	rate, err := decimal.NewFromString(getEnv("COMMISSION_DEFAULT_RATE", "0"))
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		rate = decimal.Zero
	}

	return Config{
		Server: ServerConfig{
			Port:          getEnv("PORT", "8080"),
			AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			LogFormat:     getEnv("LOG_FORMAT", "json"),
		},
		Postgres: PostgresConfig{
			URL:         os.Getenv("DATABASE_URL"),
			AutoMigrate: getBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0, 0),
		},
		Auth: AuthConfig{
			Secret:     strings.TrimSpace(os.Getenv("AUTH_SECRET")),
			ManagerPIN: strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		},
		Ledger: LedgerConfig{
			LockTTL:          time.Duration(getInt("LEDGER_LOCK_TTL_SECONDS", 10, 1)) * time.Second,
			LockWait:         time.Duration(getInt("LEDGER_LOCK_WAIT_SECONDS", 5, 1)) * time.Second,
			SnapshotTTL:      time.Duration(getInt("LEDGER_SNAPSHOT_TTL_SECONDS", 300, 1)) * time.Second,
			AppendMaxRetries: getInt("LEDGER_APPEND_MAX_RETRIES", 8, 1),
			PageSize:         getInt("LEDGER_PAGE_SIZE", 500, 1),
		},
		Report: ReportConfig{
			CommissionDefaultRate: rate,
			CategoryPredefined:    getList("CATEGORY_PREDEFINED"),
			CategoryCustom:        getList("CATEGORY_CUSTOM"),
			CategoryAliases:       getPairs("CATEGORY_ALIASES"),
			CategoryFallback:      strings.TrimSpace(os.Getenv("CATEGORY_FALLBACK")),
		},
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Server.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt returns fallback when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getPairs parses "from=to,from2=to2".
func getPairs(key string) map[string]string {
	items := getList(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		from, to, ok := strings.Cut(item, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			log.Warn().Str("key", key).Str("entry", item).Msg("ignoring malformed alias")
			continue
		}
		out[from] = to
	}
	return out
}
