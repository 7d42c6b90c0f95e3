package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Subdomain string `envconfig:"COURSE_SUBDOMAIN" required:"true"`
	Email     string `envconfig:"COURSE_EMAIL"`
	Password  string `envconfig:"COURSE_PASSWORD"`

	// AccessToken short-circuits the login handshake when already known.
	AccessToken string `envconfig:"ACCESS_TOKEN"`

	// CourseIDs selects the courses to mirror; LIST_COURSES=true instead
	// prints the subscribed courses and exits.
	CourseIDs   []int64 `envconfig:"COURSE_IDS"`
	ListCourses bool    `envconfig:"LIST_COURSES"`
	SearchQuery string  `envconfig:"SEARCH_QUERY"`

	OutputDir      string        `envconfig:"OUTPUT_DIR" required:"true"`
	MaxParallel    int           `envconfig:"MAX_PARALLEL" default:"4"`
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"4"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	PageSize       int           `envconfig:"PAGE_SIZE" default:"100"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string `envconfig:"DB_PATH" default:"coursepull.db"`
	WebhookURL        string `envconfig:"WEBHOOK_URL"`
	KeyringService    string `envconfig:"KEYRING_SERVICE" default:"coursepull"`
	TelemetryEnabled  bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	SkipSupplementary bool   `envconfig:"SKIP_SUPPLEMENTARY"`

	Web struct {
		BindAddress     string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.AccessToken == "" && (cfg.Email == "" || cfg.Password == "") {
		return nil, fmt.Errorf("either ACCESS_TOKEN or COURSE_EMAIL and COURSE_PASSWORD must be set")
	}

	if len(cfg.CourseIDs) == 0 && !cfg.ListCourses {
		return nil, fmt.Errorf("COURSE_IDS must name at least one course unless LIST_COURSES is set")
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
