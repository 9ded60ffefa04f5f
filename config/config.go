// Package config loads kbassist settings from an optional YAML file,
// KBASSIST_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/eventsphere/kbassist/engine/chunk"
	"github.com/eventsphere/kbassist/engine/domain"
)

// Config is the full process configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Chunk     chunk.Options   `mapstructure:"chunk"`
	Events    EventsConfig    `mapstructure:"events"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Freshness FreshnessConfig `mapstructure:"freshness"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigin   string        `mapstructure:"cors_origin"`
	BodyLimit    int64         `mapstructure:"body_limit"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RequestTimeout bounds one chat request including retries.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RedisConfig is optional; an empty Addr keeps limiter state in process
// and disables the scheduler lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProviderConfig names one embedding backend.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
}

type EmbeddingConfig struct {
	ProviderConfig    `mapstructure:",squash"`
	Alternate         ProviderConfig `mapstructure:"alternate"`
	Dimension         int            `mapstructure:"dimension"`
	Timeout           time.Duration  `mapstructure:"timeout"`
	BatchSize         int            `mapstructure:"batch_size"`
	ItemDelay         time.Duration  `mapstructure:"item_delay"`
	BatchDelay        time.Duration  `mapstructure:"batch_delay"`
	RateLimitWait     time.Duration  `mapstructure:"rate_limit_wait"`
	LoadingWait       time.Duration  `mapstructure:"loading_wait"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	MaxAttempts       int            `mapstructure:"max_attempts"`
}

type VectorConfig struct {
	// Backend is qdrant (REST), qdrant-grpc, pgvector or memory.
	Backend     string `mapstructure:"backend"`
	URL         string `mapstructure:"url"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
	APIKey      string `mapstructure:"api_key"`
	DSN         string `mapstructure:"dsn"`
	Collection  string `mapstructure:"collection"`
	Distance    string `mapstructure:"distance"`
	UpsertBatch int    `mapstructure:"upsert_batch"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type RetrievalConfig struct {
	MaxResults    int           `mapstructure:"max_results"`
	MinScore      float32       `mapstructure:"min_score"`
	KeywordTop    int           `mapstructure:"keyword_top"`
	ContactDocID  string        `mapstructure:"contact_doc_id"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
}

type EventsConfig struct {
	// DSN of the events database; empty answers structured queries by retrieval.
	DSN      string `mapstructure:"dsn"`
	BaseLink string `mapstructure:"base_link"`
	Timezone string `mapstructure:"timezone"`
}

type MemoryConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OngoingWindow time.Duration `mapstructure:"ongoing_window"`
}

type FreshnessConfig struct {
	DocsDir    string        `mapstructure:"docs_dir"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// Schedule is a cron expression; empty disables scheduled updates.
	Schedule string        `mapstructure:"schedule"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.body_limit", 64<<10)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 45*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 30)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "all-minilm")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.alternate.provider", "")
	v.SetDefault("embedding.alternate.base_url", "")
	v.SetDefault("embedding.alternate.model", "")
	v.SetDefault("embedding.alternate.api_key", "")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("embedding.item_delay", 100*time.Millisecond)
	v.SetDefault("embedding.batch_delay", time.Second)
	v.SetDefault("embedding.rate_limit_wait", 2*time.Second)
	v.SetDefault("embedding.loading_wait", 20*time.Second)
	v.SetDefault("embedding.requests_per_second", 0)
	v.SetDefault("embedding.max_attempts", 3)

	v.SetDefault("vector.backend", "qdrant")
	v.SetDefault("vector.url", "http://localhost:6333")
	v.SetDefault("vector.grpc_addr", "localhost:6334")
	v.SetDefault("vector.api_key", "")
	v.SetDefault("vector.dsn", "")
	v.SetDefault("vector.collection", "kb_chunks")
	v.SetDefault("vector.distance", "Cosine")
	v.SetDefault("vector.upsert_batch", 64)
	v.SetDefault("vector.max_attempts", 3)

	v.SetDefault("retrieval.max_results", 5)
	v.SetDefault("retrieval.min_score", 0.5)
	v.SetDefault("retrieval.keyword_top", 3)
	v.SetDefault("retrieval.contact_doc_id", "contact.md")
	v.SetDefault("retrieval.search_timeout", 5*time.Second)

	v.SetDefault("chunk.min_size", chunk.DefaultOptions.MinSize)
	v.SetDefault("chunk.max_size", chunk.DefaultOptions.MaxSize)
	v.SetDefault("chunk.overlap", chunk.DefaultOptions.Overlap)

	v.SetDefault("events.dsn", "")
	v.SetDefault("events.base_link", "http://localhost:3000")
	v.SetDefault("events.timezone", "UTC")

	v.SetDefault("memory.capacity", 20)
	v.SetDefault("memory.idle_timeout", 2*time.Hour)
	v.SetDefault("memory.sweep_interval", 10*time.Minute)
	v.SetDefault("memory.ongoing_window", 30*time.Minute)

	v.SetDefault("freshness.docs_dir", "./knowledge")
	v.SetDefault("freshness.stale_after", 30*24*time.Hour)
	v.SetDefault("freshness.schedule", "")
	v.SetDefault("freshness.lock_ttl", 30*time.Minute)

	v.SetDefault("nats.url", "nats://localhost:4222")
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored; existing variables are not overwritten.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration. path may be empty, in which case kbassist.yaml
// is looked up in ./config and the working directory and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("kbassist")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("KBASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	return errors.Join(
		c.Embedding.Validate(),
		c.Vector.Validate(),
		c.Events.Validate(),
		c.RateLimit.Validate(),
	)
}

func (e EmbeddingConfig) Validate() error {
	if e.Dimension <= 0 {
		return domain.NewConfigurationError("embedding.dimension", "must be positive")
	}
	providers := []struct {
		key string
		ProviderConfig
	}{{"embedding", e.ProviderConfig}, {"embedding.alternate", e.Alternate}}
	for _, p := range providers {
		key := p.key
		switch p.Provider {
		case "hf", "huggingface":
			if p.APIKey == "" {
				return domain.NewConfigurationError(key+".api_key", "required for provider "+p.Provider)
			}
		case "":
			if key == "embedding" {
				return domain.NewConfigurationError("embedding.provider", "required")
			}
		case "ollama", "hash":
		default:
			return domain.NewConfigurationError(key+".provider", fmt.Sprintf("unknown provider %q", p.Provider))
		}
	}
	return nil
}

func (v VectorConfig) Validate() error {
	switch v.Backend {
	case "qdrant":
		if v.URL == "" {
			return domain.NewConfigurationError("vector.url", "required for qdrant")
		}
	case "qdrant-grpc":
		if v.GRPCAddr == "" {
			return domain.NewConfigurationError("vector.grpc_addr", "required for qdrant-grpc")
		}
	case "pgvector":
		if v.DSN == "" {
			return domain.NewConfigurationError("vector.dsn", "required for pgvector")
		}
	case "memory":
	default:
		return domain.NewConfigurationError("vector.backend", fmt.Sprintf("unknown backend %q", v.Backend))
	}
	if v.Collection == "" {
		return domain.NewConfigurationError("vector.collection", "required")
	}
	return nil
}

func (e EventsConfig) Validate() error {
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return domain.NewConfigurationError("events.timezone", err.Error())
	}
	return nil
}

func (r RateLimitConfig) Validate() error {
	if r.Enabled && (r.Requests <= 0 || r.Window <= 0) {
		return domain.NewConfigurationError("rate_limit", "requests and window must be positive when enabled")
	}
	return nil
}

// Location returns the events time zone; Validate guarantees it loads.
func (e EventsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
