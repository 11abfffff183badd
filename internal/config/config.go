package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DatabaseDSN    string
	Env            string
	AdminJWTSecret string

	SessionTTLDays      int
	LoginCodeTTLMinutes int

	GeneralRoomID      string
	EditWindowMinutes  int
	HistoryLimit       int
	HistoryCacheTTLSec int

	RateLimitWindowSeconds int
	RateLimitMaxRequests   int
	ChatMsgsPerSecond      float64
	ChatBurst              int

	UploadDir string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getenv(key, strconv.FormatFloat(def, 'f', -1, 64)), 64)
	if err != nil {
		return def
	}
	return v
}

func Load() Config {
	// Missing .env is fine; real env vars win either way.
	_ = godotenv.Load()

	return Config{
		Port:           getenv("APP_PORT", "8080"),
		DatabaseDSN:    getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=visachat port=5432 sslmode=disable TimeZone=UTC"),
		Env:            getenv("APP_ENV", "dev"),
		AdminJWTSecret: getenv("ADMIN_JWT_SECRET", "dev-secret-change-me"),

		SessionTTLDays:      getint("SESSION_TTL_DAYS", 30),
		LoginCodeTTLMinutes: getint("LOGIN_CODE_TTL_MINUTES", 10),

		GeneralRoomID:      getenv("GENERAL_ROOM_ID", "general"),
		EditWindowMinutes:  getint("EDIT_WINDOW_MINUTES", 15),
		HistoryLimit:       getint("HISTORY_LIMIT", 50),
		HistoryCacheTTLSec: getint("HISTORY_CACHE_TTL_SECONDS", 3),

		RateLimitWindowSeconds: getint("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMaxRequests:   getint("RATE_LIMIT_MAX_REQUESTS", 120),
		ChatMsgsPerSecond:      getfloat("CHAT_MSGS_PER_SECOND", 5),
		ChatBurst:              getint("CHAT_BURST", 10),

		UploadDir: getenv("UPLOAD_DIR", "./uploads"),
	}
}

// Validate rejects configurations that must never reach production.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database DSN must not be empty")
	}
	if cfg.Env != "dev" && cfg.AdminJWTSecret == "dev-secret-change-me" {
		return errors.New("default admin secret not allowed outside dev")
	}
	return nil
}
