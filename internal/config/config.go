// Package config builds the single Config value a run is started with.
// Values come from a json5 file, then the environment, then cli flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"printavo-archive/internal/components/telemetry"
	"printavo-archive/pkg/configutil"
)

// DefaultFile is read from the working directory when --config is not given.
const DefaultFile = "printavo-archive.json5"

var ErrMissingCredential = errors.New("missing credential")

type PrintavoConfig struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password"`
	// APIURL is the rest api root, BaseURL the web interface.
	APIURL  string `json:"api_url"`
	BaseURL string `json:"base_url"`

	RequestDelayMs  int `json:"request_delay_ms"`
	MaxRetries      int `json:"max_retries"`
	PageSize        int `json:"page_size"`
	CheckpointEvery int `json:"checkpoint_every"`
}

type ScraperConfig struct {
	PageDelayMs       int  `json:"page_delay_ms"`
	DownloadDelayMs   int  `json:"download_delay_ms"`
	DownloadTimeoutMs int  `json:"download_timeout_ms"`
	Workers           int  `json:"workers"`
	ProductionOnly    bool `json:"production_only"`
	// SelectorsFile optionally replaces the built in selector catalog.
	SelectorsFile string `json:"selectors_file"`
}

type MinioConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Secure    bool   `json:"secure"`
	Prefix    string `json:"prefix"`
	Workers   int    `json:"workers"`
}

// Configured reports whether enough is set to talk to a bucket.
func (m MinioConfig) Configured() bool {
	return m.Endpoint != "" && m.SecretKey != ""
}

type ArchiveConfig struct {
	DataDir          string `json:"data_dir"`
	FlushIntervalMs  int    `json:"flush_interval_ms"`
	ShutdownGraceMs  int    `json:"shutdown_grace_ms"`
	ProgressEveryMs  int    `json:"progress_every_ms"`
	LogLevel         string `json:"log_level"`
	LogFile          string `json:"log_file"`
	SkipOrderDetails bool   `json:"skip_order_details"`
	ServiceName      string `json:"service_name"`
}

type Config struct {
	Printavo  PrintavoConfig       `json:"printavo"`
	Scraper   ScraperConfig        `json:"scraper"`
	Minio     MinioConfig          `json:"minio"`
	Archive   ArchiveConfig        `json:"archive"`
	Telemetry telemetry.OtlpConfig `json:"telemetry"`
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (c PrintavoConfig) RequestDelay() time.Duration   { return ms(c.RequestDelayMs) }
func (c ScraperConfig) PageDelay() time.Duration       { return ms(c.PageDelayMs) }
func (c ScraperConfig) DownloadDelay() time.Duration   { return ms(c.DownloadDelayMs) }
func (c ScraperConfig) DownloadTimeout() time.Duration { return ms(c.DownloadTimeoutMs) }
func (c ArchiveConfig) FlushInterval() time.Duration   { return ms(c.FlushIntervalMs) }
func (c ArchiveConfig) ShutdownGrace() time.Duration   { return ms(c.ShutdownGraceMs) }
func (c ArchiveConfig) ProgressEvery() time.Duration   { return ms(c.ProgressEveryMs) }

// ExportsDir holds one directory of json exports per api run.
func (c ArchiveConfig) ExportsDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// ArtworkDir is the root the scraper writes by_customer/ under.
func (c ArchiveConfig) ArtworkDir() string {
	return filepath.Join(c.DataDir, "artwork")
}

func (c ArchiveConfig) CheckpointPath() string {
	return filepath.Join(c.DataDir, "checkpoint.json")
}

func (c ArchiveConfig) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.sqlite")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func (c *Config) SetDefaults() {
	setDefault(&c.Printavo.APIURL, "https://www.printavo.com/api/v1")
	setDefault(&c.Printavo.BaseURL, "https://www.printavo.com")
	setDefault(&c.Printavo.RequestDelayMs, 600)
	setDefault(&c.Printavo.MaxRetries, 3)
	setDefault(&c.Printavo.PageSize, 100)
	setDefault(&c.Printavo.CheckpointEvery, 5)

	setDefault(&c.Scraper.PageDelayMs, 2000)
	setDefault(&c.Scraper.DownloadDelayMs, 500)
	setDefault(&c.Scraper.DownloadTimeoutMs, 60_000)
	setDefault(&c.Scraper.Workers, 5)

	setDefault(&c.Minio.Bucket, "printshop")
	setDefault(&c.Minio.Prefix, "printavo-archive")
	setDefault(&c.Minio.Workers, 4)

	setDefault(&c.Archive.DataDir, filepath.Join("data", "printavo-archive"))
	setDefault(&c.Archive.FlushIntervalMs, 10_000)
	setDefault(&c.Archive.ShutdownGraceMs, 15_000)
	setDefault(&c.Archive.ProgressEveryMs, 10_000)
	setDefault(&c.Archive.LogLevel, "info")
	setDefault(&c.Archive.ServiceName, "printavo-archive")
}

// Load reads path (and its .local sibling) then applies the environment and
// defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	err = cfg.applyEnv(getenv)
	if err != nil {
		return Config{}, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := []struct {
		name  string
		field *string
	}{
		{"PRINTAVO_EMAIL", &c.Printavo.Email},
		{"PRINTAVO_TOKEN", &c.Printavo.Token},
		{"PRINTAVO_PASSWORD", &c.Printavo.Password},
		{"PRINTAVO_BASE_URL", &c.Printavo.BaseURL},
		{"PRINTAVO_API_URL", &c.Printavo.APIURL},
		{"MINIO_ENDPOINT", &c.Minio.Endpoint},
		{"MINIO_ACCESS_KEY", &c.Minio.AccessKey},
		{"MINIO_SECRET_KEY", &c.Minio.SecretKey},
		{"MINIO_BUCKET", &c.Minio.Bucket},
		{"ARCHIVE_DATA_DIR", &c.Archive.DataDir},
		{"ARCHIVE_LOG_LEVEL", &c.Archive.LogLevel},
		{"ARCHIVE_LOG_FILE", &c.Archive.LogFile},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(getenv(s.name)); v != "" {
			*s.field = v
		}
	}

	if v := strings.TrimSpace(getenv("MINIO_SECURE")); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse MINIO_SECURE: %w", err)
		}
		c.Minio.Secure = secure
	}
	return nil
}

// Needs names the credentials a run is going to use.
type Needs struct {
	API    bool
	Scrape bool
	Upload bool
}

// Validate fails with ErrMissingCredential naming every credential the run
// needs but does not have.
func (c Config) Validate(needs Needs) error {
	var missing []string
	if needs.API || needs.Scrape {
		if c.Printavo.Email == "" {
			missing = append(missing, "printavo email (PRINTAVO_EMAIL)")
		}
	}
	if needs.API && c.Printavo.Token == "" {
		missing = append(missing, "printavo api token (PRINTAVO_TOKEN)")
	}
	if needs.Scrape && c.Printavo.Password == "" {
		missing = append(missing, "printavo password (PRINTAVO_PASSWORD)")
	}
	if needs.Upload {
		if c.Minio.Endpoint == "" {
			missing = append(missing, "minio endpoint (MINIO_ENDPOINT)")
		}
		if c.Minio.SecretKey == "" {
			missing = append(missing, "minio secret key (MINIO_SECRET_KEY)")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}
