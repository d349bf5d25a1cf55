package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// envPrefix scopes every variable, e.g. SPACEBIO_GEMINI_API_KEY.
const envPrefix = "SPACEBIO"

type Config struct {
	AppEnv    string `split_words:"true" default:"prod" desc:"dev, local or prod; dev exposes error details in 500 bodies"`
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Resources ResourcesConfig
	Fetch     FetchConfig
	Cache     CacheConfig
	Gemini    GeminiConfig
	Intent    IntentConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Addr            string        `default:":8080" desc:"HTTP listen address"`
	StreamTimeout   time.Duration `split_words:"true" default:"60s" desc:"upper bound for one streamed answer"`
	ShutdownTimeout time.Duration `split_words:"true" default:"5s"`
}

type LogConfig struct {
	Level  string `default:"info" desc:"debug, info, warn or error"`
	Format string `default:"json" desc:"json or console"`
}

type StorageConfig struct {
	DataDir string `split_words:"true" default:"data" desc:"sqlite directory, or :memory:"`
}

type ResourcesConfig struct {
	File                string `default:"data/resources.json" desc:"JSON manifest of {title,url} entries"`
	PrefetchOnStart     bool   `split_words:"true" default:"false"`
	PrefetchConcurrency int    `split_words:"true" default:"4"`
}

type FetchConfig struct {
	Timeout   time.Duration `default:"10s"`
	UserAgent string        `split_words:"true" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"`
	MaxBytes  int           `split_words:"true" default:"1000000" desc:"cap on sanitized resource HTML"`
}

type CacheConfig struct {
	Backend       string        `default:"memory" desc:"memory or redis"`
	Disabled      bool          `default:"false" desc:"skip answer caching entirely"`
	RedisAddr     string        `split_words:"true" default:"localhost:6379"`
	RedisPassword string        `split_words:"true"`
	RedisDB       int           `split_words:"true" default:"0"`
	AnswerTTL     time.Duration `split_words:"true" default:"24h"`
	FrequencyTTL  time.Duration `split_words:"true" default:"168h"`
	FeatureTTL    time.Duration `split_words:"true" default:"12h" desc:"TTL of summary, keyword and related-resource results"`
	SweepSpec     string        `split_words:"true" default:"@every 10m" desc:"cron spec for purging expired in-memory entries"`
}

type GeminiConfig struct {
	APIKey         string        `split_words:"true" desc:"falls back to GEMINI_API_KEY"`
	Model          string        `default:"gemini-2.5-flash"`
	BaseURL        string        `split_words:"true" default:"https://generativelanguage.googleapis.com"`
	Timeout        time.Duration `default:"60s"`
	ConnectTimeout time.Duration `split_words:"true" default:"10s"`
	SSLVerify      bool          `split_words:"true" default:"true"`
	CABundle       string        `split_words:"true" desc:"PEM file; ignored when unreadable"`
	HTTPProxy      string        `split_words:"true"`
}

type IntentConfig struct {
	RulesFile string `split_words:"true" desc:"optional YAML file overriding the intent rule table"`
}

type MetricsConfig struct {
	Enabled bool `default:"true"`
}

// IsDev reports whether error details may be returned to clients.
func (c Config) IsDev() bool {
	return c.AppEnv == "dev" || c.AppEnv == "local"
}

// Load reads configuration from SPACEBIO_* environment variables, applies
// defaults, and validates the result. A missing Gemini key is not an error;
// the assistant answers with a configuration notice instead.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enums and ranges that envconfig cannot express.
func (c Config) Validate() error {
	var problems []string

	switch c.AppEnv {
	case "dev", "local", "prod":
	default:
		problems = append(problems, fmt.Sprintf("app env %q must be dev, local or prod", c.AppEnv))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		problems = append(problems, fmt.Sprintf("log level %q is not recognised", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		problems = append(problems, fmt.Sprintf("log format %q must be json or console", c.Log.Format))
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		problems = append(problems, fmt.Sprintf("cache backend %q must be memory or redis", c.Cache.Backend))
	}
	for name, d := range map[string]time.Duration{
		"server stream timeout": c.Server.StreamTimeout,
		"fetch timeout":         c.Fetch.Timeout,
		"cache answer ttl":      c.Cache.AnswerTTL,
		"cache frequency ttl":   c.Cache.FrequencyTTL,
		"cache feature ttl":     c.Cache.FeatureTTL,
		"gemini timeout":        c.Gemini.Timeout,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Fetch.MaxBytes <= 0 {
		problems = append(problems, "fetch max bytes must be positive")
	}
	if c.Resources.PrefetchConcurrency <= 0 {
		problems = append(problems, "resources prefetch concurrency must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Usage writes a table of every recognised variable with its default.
func Usage(w io.Writer) error {
	var cfg Config
	return envconfig.Usagef(envPrefix, &cfg, w, envconfig.DefaultTableFormat)
}
