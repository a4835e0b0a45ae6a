package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CursorBackendFile   = "file"
	CursorBackendPebble = "pebble"
	CursorBackendSQLite = "sqlite"

	DeliveryTAXII11 = "taxii11"
	DeliveryTAXII21 = "taxii21"
	DeliveryKafka   = "kafka"

	CodecSTIX1XML  = "stix1-xml"
	CodecSTIX2JSON = "stix2-json"

	WatermarkNone  = "none"
	WatermarkBelow = "below"
	WatermarkFrom  = "from"
)

type CursorConfig struct {
	Backend string `yaml:"backend"` // file | pebble | sqlite
	Path    string `yaml:"path"`    // file path, pebble dir or sqlite db
}

type UpstreamConfig struct {
	BaseURL            string        `yaml:"base_url"` // https://misp.example.org
	APIKey             string        `yaml:"api_key"`
	Tags               []string      `yaml:"tags"` // selector
	ToIDS              *bool         `yaml:"to_ids"`
	EnforceWarninglist *bool         `yaml:"enforce_warninglist"`
	PageSize           int           `yaml:"page_size"`
	MaxPages           int           `yaml:"max_pages"` // 0 = until a short page
	Watermark          string        `yaml:"watermark"` // none | below | from
	Timeout            time.Duration `yaml:"timeout"`        // one HTTP request
	SearchTimeout      time.Duration `yaml:"search_timeout"` // whole paginated search, retries included
	UserAgent          string        `yaml:"user_agent"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	// Per-request pacing & retries inside one fetch
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxRetries    int           `yaml:"max_retries"`
	Backoff       time.Duration `yaml:"backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type TAXII11Config struct {
	InboxURL           string `yaml:"inbox_url"` // http://taxii.example/services/inbox
	Collection         string `yaml:"collection"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	UserAgent          string `yaml:"user_agent"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type TAXII21Config struct {
	CollectionURL      string `yaml:"collection_url"` // https://taxii.example/api1/collections/<id>
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	APIKey             string `yaml:"api_key"` // sent as Bearer token when set
	UserAgent          string `yaml:"user_agent"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DeliveryConfig struct {
	Kind        string        `yaml:"kind"`  // taxii11 | taxii21 | kafka
	Codec       string        `yaml:"codec"` // stix1-xml | stix2-json, default by kind
	Timeout     time.Duration `yaml:"timeout"`
	ArchivePath string        `yaml:"archive_path"` // optional copy of the last encoded package
	Producer    string        `yaml:"producer"`     // STIX producer / identity name
	TAXII11     TAXII11Config `yaml:"taxii11"`
	TAXII21     TAXII21Config `yaml:"taxii21"`
	Kafka       KafkaConfig   `yaml:"kafka"`
}

type BackoffConfig struct {
	Enable  bool          `yaml:"enable"`
	Initial time.Duration `yaml:"initial"` // defaults to interval
	Max     time.Duration `yaml:"max"`
}

type MetricsConfig struct {
	ListenAddress string        `yaml:"listen_address"` // empty disables the ops server
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type LogConfig struct {
	File   string `yaml:"file"`   // append-only operational log, "-" = stderr only
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type Config struct {
	Interval time.Duration  `yaml:"interval"`
	Cursor   CursorConfig   `yaml:"cursor"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// Override changes a parsed config before defaults are derived from it,
// e.g. from command-line flags.
type Override func(*Config)

// WithInterval replaces the poll interval when d is positive.
func WithInterval(d time.Duration) Override {
	return func(c *Config) {
		if d > 0 {
			c.Interval = d
		}
	}
}

// Load reads the YAML file at path, applies environment overrides, then
// the given overrides and defaults, and validates the result.
func Load(path string, overrides ...Override) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, overrides...)
}

// Parse is Load without the file read.
func Parse(b []byte, overrides ...Override) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	c.applyEnv()
	for _, o := range overrides {
		o(&c)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// Secrets may be kept out of the file entirely.
func (c *Config) applyEnv() {
	c.Upstream.BaseURL = getEnv("MISP_URL", c.Upstream.BaseURL)
	c.Upstream.APIKey = getEnv("MISP_API_KEY", c.Upstream.APIKey)
	c.Delivery.TAXII11.Username = getEnv("TAXII_USERNAME", c.Delivery.TAXII11.Username)
	c.Delivery.TAXII11.Password = getEnv("TAXII_PASSWORD", c.Delivery.TAXII11.Password)
	c.Delivery.TAXII21.Username = getEnv("TAXII_USERNAME", c.Delivery.TAXII21.Username)
	c.Delivery.TAXII21.Password = getEnv("TAXII_PASSWORD", c.Delivery.TAXII21.Password)
	c.Delivery.TAXII21.APIKey = getEnv("TAXII_API_KEY", c.Delivery.TAXII21.APIKey)
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Minute
	}
	if c.Cursor.Backend == "" {
		c.Cursor.Backend = CursorBackendFile
	}
	if c.Cursor.Path == "" {
		switch c.Cursor.Backend {
		case CursorBackendPebble:
			c.Cursor.Path = "cursor.pebble"
		case CursorBackendSQLite:
			c.Cursor.Path = "cursor.db"
		default:
			c.Cursor.Path = "processed_events_ids.txt"
		}
	}

	t := true
	if c.Upstream.ToIDS == nil {
		c.Upstream.ToIDS = &t
	}
	if c.Upstream.EnforceWarninglist == nil {
		c.Upstream.EnforceWarninglist = &t
	}
	if c.Upstream.PageSize <= 0 {
		c.Upstream.PageSize = 100
	}
	if c.Upstream.Watermark == "" {
		c.Upstream.Watermark = WatermarkNone
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if c.Upstream.SearchTimeout == 0 {
		c.Upstream.SearchTimeout = 10 * c.Upstream.Timeout
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = 1
	}
	if c.Upstream.Backoff == 0 {
		c.Upstream.Backoff = 500 * time.Millisecond
	}
	if c.Upstream.MaxBackoff == 0 {
		c.Upstream.MaxBackoff = 5 * time.Second
	}
	if c.Upstream.Burst <= 0 {
		c.Upstream.Burst = 1
	}

	if c.Delivery.Kind == "" {
		c.Delivery.Kind = DeliveryTAXII11
	}
	if c.Delivery.Codec == "" {
		if c.Delivery.Kind == DeliveryTAXII11 {
			c.Delivery.Codec = CodecSTIX1XML
		} else {
			c.Delivery.Codec = CodecSTIX2JSON
		}
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 30 * time.Second
	}
	if c.Delivery.Producer == "" {
		c.Delivery.Producer = "misp-taxii-forwarder"
	}

	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = c.Interval
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = 8 * c.Backoff.Initial
	}

	if c.Metrics.ReadTimeout == 0 {
		c.Metrics.ReadTimeout = 5 * time.Second
	}
	if c.Metrics.WriteTimeout == 0 {
		c.Metrics.WriteTimeout = 5 * time.Second
	}
	if c.Metrics.IdleTimeout == 0 {
		c.Metrics.IdleTimeout = 60 * time.Second
	}

	if c.Log.File == "" {
		c.Log.File = "result.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	switch c.Cursor.Backend {
	case CursorBackendFile, CursorBackendPebble, CursorBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown cursor.backend %q", c.Cursor.Backend))
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	switch c.Upstream.Watermark {
	case WatermarkNone, WatermarkBelow, WatermarkFrom:
	default:
		errs = append(errs, fmt.Errorf("unknown upstream.watermark %q", c.Upstream.Watermark))
	}
	if c.Upstream.SearchTimeout < c.Upstream.Timeout {
		errs = append(errs, errors.New("upstream.search_timeout must be >= upstream.timeout"))
	}
	if c.Upstream.RatePerSecond < 0 {
		errs = append(errs, errors.New("upstream.rate_per_second must not be negative"))
	}

	switch c.Delivery.Codec {
	case CodecSTIX1XML, CodecSTIX2JSON:
	default:
		errs = append(errs, fmt.Errorf("unknown delivery.codec %q", c.Delivery.Codec))
	}
	switch c.Delivery.Kind {
	case DeliveryTAXII11:
		if c.Delivery.TAXII11.InboxURL == "" {
			errs = append(errs, errors.New("delivery.taxii11.inbox_url is required"))
		}
		if c.Delivery.Codec != CodecSTIX1XML {
			errs = append(errs, fmt.Errorf("delivery.kind taxii11 requires codec %s", CodecSTIX1XML))
		}
	case DeliveryTAXII21:
		if c.Delivery.TAXII21.CollectionURL == "" {
			errs = append(errs, errors.New("delivery.taxii21.collection_url is required"))
		}
		if c.Delivery.Codec != CodecSTIX2JSON {
			errs = append(errs, fmt.Errorf("delivery.kind taxii21 requires codec %s", CodecSTIX2JSON))
		}
	case DeliveryKafka:
		if len(c.Delivery.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("delivery.kafka.brokers is required"))
		}
		if c.Delivery.Kafka.Topic == "" {
			errs = append(errs, errors.New("delivery.kafka.topic is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown delivery.kind %q", c.Delivery.Kind))
	}

	if c.Backoff.Enable && c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, errors.New("backoff.max must be >= backoff.initial"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
