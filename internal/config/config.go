package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the coordination core.
// Values are loaded from environment variables with sane defaults so the
// binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	AttendanceSecret   string
	AttendanceTokenTTL time.Duration
	RosterRecentN      int

	SessionIdleTimeout   time.Duration
	DefaultSpeedKMH      float64
	ProximityMinInterval time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_latest",
		KafkaTopic:      "location-samples",
		// Stateless tokens have no revocation path, so the default window
		// is short; operators can widen it explicitly.
		AttendanceTokenTTL:   15 * time.Minute,
		RosterRecentN:        20,
		SessionIdleTimeout:   15 * time.Minute,
		DefaultSpeedKMH:      30,
		ProximityMinInterval: 2 * time.Second,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.AttendanceSecret = os.Getenv("ATTENDANCE_SECRET")
	setDurationFromEnv(&cfg.AttendanceTokenTTL, "ATTENDANCE_TOKEN_TTL", &errs)
	setIntFromEnv(&cfg.RosterRecentN, "ROSTER_RECENT_N", &errs)

	setDurationFromEnv(&cfg.SessionIdleTimeout, "SESSION_IDLE_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedKMH, "DEFAULT_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.ProximityMinInterval, "PROXIMITY_MIN_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.AttendanceSecret == "" {
		errs = append(errs, fmt.Errorf("ATTENDANCE_SECRET must be set"))
	}
	if cfg.AttendanceTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("ATTENDANCE_TOKEN_TTL must be > 0"))
	}
	if cfg.RosterRecentN <= 0 {
		errs = append(errs, fmt.Errorf("ROSTER_RECENT_N must be > 0"))
	}
	if cfg.DefaultSpeedKMH <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_KMH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
