package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendSheets = "sheets"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	Store     StoreConfig
	Sheets    SheetNames
	Platform  PlatformConfig
	Writer    WriterConfig
	Feed      FeedConfig
	Scheduler SchedulerConfig
	Audit     AuditConfig
	Archive   ArchiveConfig

	IdentityStrategy string `env:"IDENTITY_STRATEGY" envDefault:"id"`
	EligibleMaxPosts int    `env:"ELIGIBLE_MAX_POSTS" envDefault:"10"`
	LayoutFile       string `env:"SYNC_LAYOUT"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile          string `env:"LOG_FILE"`

	Layout Layout
}

type StoreConfig struct {
	Backend         string        `env:"STORE_BACKEND" envDefault:"sheets"`
	SpreadsheetID   string        `env:"SPREADSHEET_ID"`
	CredentialsFile string        `env:"GOOGLE_CREDENTIALS_FILE"`
	SQLitePath      string        `env:"SQLITE_PATH" envDefault:"ledger.db"`
	CallTimeout     time.Duration `env:"STORE_CALL_TIMEOUT" envDefault:"30s"`
}

type SheetNames struct {
	Records   string `env:"RECORDS_SHEET" envDefault:"Profiles"`
	Runs      string `env:"RUNS_SHEET" envDefault:"Runs"`
	Sightings string `env:"SIGHTINGS_SHEET"`
}

type PlatformConfig struct {
	BaseURL      string        `env:"PLATFORM_BASE_URL"`
	OnlineWindow time.Duration `env:"ONLINE_WINDOW" envDefault:"15m"`
}

type WriterConfig struct {
	BatchSize    int             `env:"WRITE_BATCH_SIZE" envDefault:"20"`
	MinDelay     time.Duration   `env:"MIN_WRITE_DELAY" envDefault:"1s"`
	BackoffTiers []time.Duration `env:"BACKOFF_TIERS" envSeparator:"," envDefault:"10s,60s,180s"`
	MaxRetries   int             `env:"MAX_RETRIES" envDefault:"3"`
}

type FeedConfig struct {
	File     string `env:"FEED_FILE"`
	URL      string `env:"FEED_URL"`
	ProxyURL string `env:"FEED_PROXY_URL"`
	Source   string `env:"FEED_SOURCE" envDefault:"scheduled"`
}

type SchedulerConfig struct {
	Interval time.Duration `env:"SYNC_INTERVAL"`
	Cron     string        `env:"SYNC_CRON"`
}

type AuditConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
}

type ArchiveConfig struct {
	Bucket          string `env:"ARCHIVE_BUCKET"`
	Region          string `env:"ARCHIVE_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"ARCHIVE_ENDPOINT"`
	AccessKeyID     string `env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_SECRET_ACCESS_KEY"`
}

// Layout is the optional YAML file describing sheet placement.
type Layout struct {
	Sheets      map[string]SheetLayout `yaml:"sheets"`
	UpperFields []string               `yaml:"upper_fields"`
}

type SheetLayout struct {
	Name       string `yaml:"name"`
	TopOrdered *bool  `yaml:"top_ordered"`
}

// Sheet roles used as keys of Layout.Sheets.
const (
	RoleRecords   = "records"
	RoleRuns      = "runs"
	RoleSightings = "sightings"
)

var DefaultUpperFields = []string{"gender", "country", "status"}

// Load reads .env, the environment and the layout file, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// FromMap builds a config from an explicit environment, ignoring the process one.
func FromMap(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.LayoutFile != "" {
		if err := cfg.loadLayout(cfg.LayoutFile); err != nil {
			return nil, fmt.Errorf("load layout %s: %w", cfg.LayoutFile, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadLayout(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, &c.Layout)
}

// SheetName resolves a role to its sheet name; the layout file wins over env.
func (c *Config) SheetName(role string) string {
	if l, ok := c.Layout.Sheets[role]; ok && l.Name != "" {
		return l.Name
	}
	switch role {
	case RoleRecords:
		return c.Sheets.Records
	case RoleRuns:
		return c.Sheets.Runs
	case RoleSightings:
		return c.Sheets.Sightings
	}
	return ""
}

// TopOrdered reports whether a role keeps its newest rows under the header.
// Every sheet is top-ordered unless the layout says otherwise.
func (c *Config) TopOrdered(role string) bool {
	if l, ok := c.Layout.Sheets[role]; ok && l.TopOrdered != nil {
		return *l.TopOrdered
	}
	return true
}

func (c *Config) UpperFields() []string {
	if len(c.Layout.UpperFields) > 0 {
		return c.Layout.UpperFields
	}
	return DefaultUpperFields
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendSheets:
		if c.Store.SpreadsheetID == "" {
			errs = append(errs, errors.New("SPREADSHEET_ID is required for the sheets backend"))
		}
		if c.Store.CredentialsFile == "" {
			errs = append(errs, errors.New("GOOGLE_CREDENTIALS_FILE is required for the sheets backend"))
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	switch strings.ToLower(c.IdentityStrategy) {
	case "id", "name":
	default:
		errs = append(errs, fmt.Errorf("unknown IDENTITY_STRATEGY %q", c.IdentityStrategy))
	}

	if c.Platform.BaseURL == "" {
		errs = append(errs, errors.New("PLATFORM_BASE_URL is required"))
	} else if u, err := url.Parse(c.Platform.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("PLATFORM_BASE_URL %q is not an absolute url", c.Platform.BaseURL))
	}

	if c.SheetName(RoleRecords) == "" || c.SheetName(RoleRuns) == "" {
		errs = append(errs, errors.New("record and run sheet names must be set"))
	}
	if c.Writer.BatchSize <= 0 {
		errs = append(errs, errors.New("WRITE_BATCH_SIZE must be positive"))
	}
	if c.Writer.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if len(c.Writer.BackoffTiers) == 0 {
		errs = append(errs, errors.New("BACKOFF_TIERS must list at least one wait"))
	}
	for _, d := range c.Writer.BackoffTiers {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("backoff tier %s must be positive", d))
		}
	}
	if c.Scheduler.Cron != "" && c.Scheduler.Interval > 0 {
		errs = append(errs, errors.New("set SYNC_CRON or SYNC_INTERVAL, not both"))
	}
	if c.Feed.File != "" && c.Feed.URL != "" {
		errs = append(errs, errors.New("set FEED_FILE or FEED_URL, not both"))
	}

	return errors.Join(errs...)
}
