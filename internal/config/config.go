package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DBPath         string
	JWTSecret      string
	WebhookSecret  string
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
	LockTimeout    time.Duration
	GatewayTimeout time.Duration
	KafkaBrokers   []string
	ServiceName    string
}

// Load reads configuration from a .env file if present, then the process
// environment. Missing values fall back to development defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:           getenv("PORT", "8080"),
		DBPath:         getenv("DB_PATH", "tabshare.db"),
		JWTSecret:      getenv("JWT_SECRET", "tabshare-secret-key"),
		WebhookSecret:  getenv("WEBHOOK_SECRET", "tabshare-webhook-secret"),
		DefaultTTL:     getduration("GROUP_TTL", 15*time.Minute),
		SweepInterval:  getduration("SWEEP_INTERVAL", 30*time.Second),
		LockTimeout:    getduration("LOCK_TIMEOUT", 5*time.Second),
		GatewayTimeout: getduration("GATEWAY_TIMEOUT", 5*time.Second),
		KafkaBrokers:   splitCSV(getenv("KAFKA_BROKERS", "")),
		ServiceName:    getenv("SERVICE_NAME", "tabshare-api"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
