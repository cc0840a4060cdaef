package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ModeAPI     = "api"
	ModeMailerd = "mailerd"
	ModeAll     = "all"
)

type Config struct {
	// ----------------------------
	// Process
	// ----------------------------
	Mode string `envconfig:"MODE" default:"all"`

	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"mailout@localhost"`

	DKIMSelector string `envconfig:"DKIM_SELECTOR" default:""`
	DKIMKeyPath  string `envconfig:"DKIM_KEY_PATH" default:""`
	DKIMDomain   string `envconfig:"DKIM_DOMAIN" default:""`

	// ----------------------------
	// Mailout
	// ----------------------------
	RateLimit          int           `envconfig:"RATE_LIMIT" default:"10"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	CancelPollInterval time.Duration `envconfig:"CANCEL_POLL_INTERVAL" default:"1s"`
	ReportTo           string        `envconfig:"REPORT_TO" default:""`
	VenueName          string        `envconfig:"VENUE_NAME" default:"Venue"`
	LinkHost           string        `envconfig:"LINK_HOST" default:"http://localhost:8080"`
	MembersCSV         string        `envconfig:"MEMBERS_CSV" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL      string `envconfig:"DATABASE_URL" required:"true"`
	DBConnectRetries int    `envconfig:"DB_CONNECT_RETRIES" default:"3"`
	DBMigrate        bool   `envconfig:"DB_MIGRATE" default:"true"`
}

// Load reads the environment. Variables in a .env file in the working
// directory are applied first, without overriding ones already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

// RunsAPI reports whether the HTTP API should be started in this process.
func (c *Config) RunsAPI() bool {
	return c.Mode == ModeAPI || c.Mode == ModeAll
}

// RunsMailerd reports whether the mailout daemon should be started in this process.
func (c *Config) RunsMailerd() bool {
	return c.Mode == ModeMailerd || c.Mode == ModeAll
}
