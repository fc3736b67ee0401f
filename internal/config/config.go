package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
	SourceGTFS     = "gtfs"
)

type Config struct {
	RoutesSource          string
	RoutesFile            string
	GTFSPath              string
	DatabaseURL           string
	RoutesRefreshInterval time.Duration

	TickInterval       time.Duration
	InterpolationSteps int
	ArrivalThreshold   float64 // degrees
	ArrivalCooldown    time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	ArrivalsDriver string
	ArrivalsDSN    string

	HTTPAddr      string
	HTTPRateLimit float64
	MetricsAddr   string

	LogLevel  log.Level
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.RoutesSource = strings.ToLower(getenvDefault("ROUTES_SOURCE", SourceFile))
	switch cfg.RoutesSource {
	case SourceFile:
		cfg.RoutesFile = getenvDefault("ROUTES_FILE", "routes.json")
	case SourceGTFS:
		cfg.GTFSPath = os.Getenv("GTFS_PATH")
		if cfg.GTFSPath == "" {
			return nil, errors.New("GTFS_PATH must be set when ROUTES_SOURCE=gtfs")
		}
	case SourcePostgres:
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	default:
		return nil, fmt.Errorf("invalid ROUTES_SOURCE: %q", cfg.RoutesSource)
	}

	var err error
	if cfg.TickInterval, err = millis("TICK_INTERVAL_MS", 1200); err != nil {
		return nil, err
	}
	if cfg.RoutesRefreshInterval, err = seconds("ROUTES_REFRESH_INTERVAL_SEC", 60, true); err != nil {
		return nil, err
	}
	if cfg.ArrivalCooldown, err = seconds("ARRIVAL_COOLDOWN_SEC", 180, true); err != nil {
		return nil, err
	}

	cfg.InterpolationSteps = 15
	if v := os.Getenv("INTERPOLATION_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid INTERPOLATION_STEPS: %q", v)
		}
		cfg.InterpolationSteps = n
	}

	if cfg.ArrivalThreshold, err = positiveFloat("ARRIVAL_THRESHOLD_DEG", 0.0007, false); err != nil {
		return nil, err
	}
	if cfg.HTTPRateLimit, err = positiveFloat("HTTP_RATE_LIMIT", 20, true); err != nil {
		return nil, err
	}

	// Empty NATS_URL disables publishing.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "fleet")
	cfg.LogNATSSubjects = truthy(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.ArrivalsDriver = getenvDefault("ARRIVALS_DRIVER", "sqlite3")
	cfg.ArrivalsDSN = os.Getenv("ARRIVALS_DSN")

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	lvl := getenvDefault("LOG_LEVEL", "info")
	if cfg.LogLevel, err = log.ParseLevel(lvl); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", lvl)
	}
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT: %q", cfg.LogFormat)
	}

	return cfg, nil
}

// ConfigureLogging applies the level and format to the standard logger.
func (c *Config) ConfigureLogging() {
	log.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set when ROUTES_SOURCE=postgres")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func millis(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Millisecond, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func seconds(key string, def int, allowZero bool) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec < 0 || (sec == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func positiveFloat(key string, def float64, allowZero bool) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || (f == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
