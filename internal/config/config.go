package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"birdbridge/internal/pipeline"
)

// Config is the application's configuration model.
// It captures the instance identity, source credentials, pipeline tuning and
// the local listeners.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type InstanceConfig struct {
	// Public host name actors and statuses are served under. If empty, read BIRDBRIDGE_DOMAIN
	Domain string `yaml:"domain"`
}

type CredentialsConfig struct {
	// X/Twitter API bearer token. If empty, read from env X_BEARER_TOKEN
	BearerToken string `yaml:"bearerToken"`
	// OAuth1.0a credentials for v1.1 timelines
	ConsumerKey    string `yaml:"consumerKey"`
	ConsumerSecret string `yaml:"consumerSecret"`
	AccessToken    string `yaml:"accessToken"`
	AccessSecret   string `yaml:"accessSecret"`
}

// HasOAuth1 reports whether the v1.1 user-context credentials are complete.
func (c CredentialsConfig) HasOAuth1() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.AccessToken != "" && c.AccessSecret != ""
}

type PipelineConfig struct {
	MaxBatchSize        int      `yaml:"maxBatchSize"`
	WaitFactor          float64  `yaml:"waitFactor"`
	MaxIdle             Duration `yaml:"maxIdle"`
	QueueSize           int      `yaml:"queueSize"`
	MaxPostsPerPass     int      `yaml:"maxPostsPerPass"`
	FetchParallelism    int      `yaml:"fetchParallelism"`
	DeliveryParallelism int      `yaml:"deliveryParallelism"`
	DeliveryAttempts    int      `yaml:"deliveryAttempts"`
	DeliveryBackoff     Duration `yaml:"deliveryBackoff"`
	DrainTimeout        Duration `yaml:"drainTimeout"`
	MaxStoreFailures    int      `yaml:"maxStoreFailures"`
	// Replies to other accounts are dropped unless set; thread posts always go out
	DeliverReplies bool `yaml:"deliverReplies"`
}

type DeliveryConfig struct {
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"userAgent"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type ServerConfig struct {
	// Listen address for actors and inboxes; empty disables the listener
	Addr      string   `yaml:"addr"`
	ClockSkew Duration `yaml:"clockSkew"`
}

type MetricsConfig struct {
	// Standalone metrics listener, e.g. ":9090"; /metrics is also on the server
	Addr          string   `yaml:"addr"`
	StatsInterval Duration `yaml:"statsInterval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration written as a string such as "30s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns a sensible default configuration.
func Default() Config {
	p := pipeline.DefaultConfig()
	return Config{
		Instance: InstanceConfig{Domain: ""},
		Pipeline: PipelineConfig{
			MaxBatchSize:        p.MaxBatchSize,
			WaitFactor:          p.WaitFactor,
			MaxIdle:             Duration(p.MaxIdle),
			QueueSize:           p.QueueSize,
			MaxPostsPerPass:     p.MaxPostsPerPass,
			FetchParallelism:    p.FetchParallelism,
			DeliveryParallelism: p.DeliveryParallelism,
			DeliveryAttempts:    p.DeliveryAttempts,
			DeliveryBackoff:     Duration(p.DeliveryBackoff),
			DrainTimeout:        Duration(p.DrainTimeout),
			MaxStoreFailures:    p.MaxStoreFailures,
		},
		Delivery: DeliveryConfig{Timeout: Duration(30 * time.Second), UserAgent: "birdbridge/1.0"},
		Storage:  StorageConfig{DBPath: "./birdbridge.db"},
		Server:   ServerConfig{Addr: ":8080", ClockSkew: Duration(12 * time.Hour)},
		Metrics:  MetricsConfig{StatsInterval: Duration(time.Minute)},
		Log:      LogConfig{Level: "info"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Instance.Domain == "" {
		c.Instance.Domain = os.Getenv("BIRDBRIDGE_DOMAIN")
	}
	if c.Credentials.BearerToken == "" {
		c.Credentials.BearerToken = os.Getenv("X_BEARER_TOKEN")
	}
	if c.Credentials.ConsumerKey == "" {
		c.Credentials.ConsumerKey = os.Getenv("X_CONSUMER_KEY")
	}
	if c.Credentials.ConsumerSecret == "" {
		c.Credentials.ConsumerSecret = os.Getenv("X_CONSUMER_SECRET")
	}
	if c.Credentials.AccessToken == "" {
		c.Credentials.AccessToken = os.Getenv("X_ACCESS_TOKEN")
	}
	if c.Credentials.AccessSecret == "" {
		c.Credentials.AccessSecret = os.Getenv("X_ACCESS_SECRET")
	}
}

// Validate reports every setting the bridge cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Instance.Domain == "" {
		errs = append(errs, errors.New("instance.domain is required"))
	} else if strings.ContainsAny(c.Instance.Domain, "/ ") {
		errs = append(errs, fmt.Errorf("instance.domain %q must be a bare host", c.Instance.Domain))
	}
	if c.Credentials.BearerToken == "" && !c.Credentials.HasOAuth1() {
		errs = append(errs, errors.New("credentials: a bearer token or complete OAuth1 credentials are required"))
	}
	p := c.Pipeline
	if p.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.maxBatchSize must be positive"))
	}
	if p.WaitFactor <= 0 {
		errs = append(errs, errors.New("pipeline.waitFactor must be positive"))
	}
	if p.MaxIdle <= 0 {
		errs = append(errs, errors.New("pipeline.maxIdle must be positive"))
	}
	if p.DeliveryBackoff < 0 || p.DrainTimeout < 0 {
		errs = append(errs, errors.New("pipeline durations must not be negative"))
	}
	if p.DeliveryAttempts < 1 {
		errs = append(errs, errors.New("pipeline.deliveryAttempts must be at least 1"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.dbPath is required"))
	}
	return errors.Join(errs...)
}

// PipelineConfig converts the pipeline section for pipeline.New.
func (c Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		MaxBatchSize:        p.MaxBatchSize,
		WaitFactor:          p.WaitFactor,
		MaxIdle:             p.MaxIdle.Std(),
		QueueSize:           p.QueueSize,
		MaxPostsPerPass:     p.MaxPostsPerPass,
		FetchParallelism:    p.FetchParallelism,
		DeliveryParallelism: p.DeliveryParallelism,
		DeliveryAttempts:    p.DeliveryAttempts,
		DeliveryBackoff:     p.DeliveryBackoff.Std(),
		DrainTimeout:        p.DrainTimeout.Std(),
		MaxStoreFailures:    p.MaxStoreFailures,
		DeliverReplies:      p.DeliverReplies,
	}
}

// Load reads YAML config from path. Keys missing from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
