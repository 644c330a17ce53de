package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultMaxConcurrentTasks = 1
	defaultSegmentThreshold   = "1900MiB"
	defaultMaxHistory         = 20
)

// Config describes runtime configuration for the service.
type Config struct {
	Port               int    `yaml:"port"`
	DataDir            string `yaml:"data_dir"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	// SegmentThreshold is a human readable size such as "1.9GB" or "500MiB".
	SegmentThreshold string `yaml:"segment_threshold"`
	MaxHistory       int    `yaml:"max_history"`

	History   HistoryConfig   `yaml:"history"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Relay     RelayConfig     `yaml:"relay"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`

	// SegmentBytes is SegmentThreshold parsed by Load.
	SegmentBytes int64 `yaml:"-"`
}

type HistoryConfig struct {
	Backend string `yaml:"backend"` // json or sqlite
	Path    string `yaml:"path"`    // relative paths live under data_dir
}

type FetchConfig struct {
	Mode        string        `yaml:"mode"` // http, ytdlp or auto
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	YTDLPHosts  []string      `yaml:"ytdlp_hosts"`
	Format      string        `yaml:"format"`
}

type RelayConfig struct {
	Endpoint  string            `yaml:"endpoint"`
	FileField string            `yaml:"file_field"`
	LinkField string            `yaml:"link_field"`
	Timeout   time.Duration     `yaml:"timeout"`
	Retries   int               `yaml:"retries"`
	Headers   map[string]string `yaml:"headers"`
}

// RetentionConfig drives the periodic sweep. An empty schedule disables it.
type RetentionConfig struct {
	Schedule   string        `yaml:"schedule"`
	TaskTTL    time.Duration `yaml:"task_ttl"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	Output     string `yaml:"output"` // stdout, stderr or file
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:               defaultPort,
		DataDir:            defaultDataDir,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		SegmentThreshold:   defaultSegmentThreshold,
		SegmentBytes:       1900 << 20,
		MaxHistory:         defaultMaxHistory,
		History:            HistoryConfig{Backend: "json", Path: "history.json"},
		Fetch: FetchConfig{
			Mode:        "auto",
			HTTPTimeout: 30 * time.Minute,
			YTDLPHosts:  []string{"youtube.com", "youtu.be", "vimeo.com", "twitter.com", "x.com"},
		},
		Relay: RelayConfig{
			FileField: "file",
			Timeout:   10 * time.Minute,
			Retries:   2,
		},
		Retention: RetentionConfig{
			Schedule:   "@every 10m",
			TaskTTL:    24 * time.Hour,
			StaleAfter: 2 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			File:       "logs/mediarelay.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	// values < 1 are not allowed
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", c.MaxConcurrentTasks)
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("invalid max_history: %d (must be >= 1)", c.MaxHistory)
	}
	if strings.TrimSpace(c.SegmentThreshold) == "" {
		c.SegmentThreshold = defaultSegmentThreshold
	}
	size, err := humanize.ParseBytes(c.SegmentThreshold)
	if err != nil {
		return fmt.Errorf("invalid segment_threshold %q: %w", c.SegmentThreshold, err)
	}
	if size == 0 {
		return errors.New("invalid segment_threshold: must be > 0")
	}
	c.SegmentBytes = int64(size) //nolint:gosec // sizes far below MaxInt64

	c.History.Backend = strings.ToLower(strings.TrimSpace(c.History.Backend))
	switch c.History.Backend {
	case "", "json":
		c.History.Backend = "json"
		if c.History.Path == "" {
			c.History.Path = "history.json"
		}
	case "sqlite":
		if c.History.Path == "" || c.History.Path == "history.json" {
			c.History.Path = "history.db"
		}
	default:
		return fmt.Errorf("invalid history.backend: %q (json or sqlite)", c.History.Backend)
	}

	c.Fetch.Mode = strings.ToLower(strings.TrimSpace(c.Fetch.Mode))
	switch c.Fetch.Mode {
	case "":
		c.Fetch.Mode = "auto"
	case "http", "ytdlp", "auto":
	default:
		return fmt.Errorf("invalid fetch.mode: %q", c.Fetch.Mode)
	}
	if c.Relay.Retries < 0 {
		return fmt.Errorf("invalid relay.retries: %d", c.Relay.Retries)
	}
	return nil
}
