package config

import (
	"HeavySpectra/internal/model"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the knobs shared by the fast and slow paths.
type EngineConfig struct {
	K                  int `yaml:"k"`
	NumWorkers         int `yaml:"num_workers"`
	SizeOfEventChannel int `yaml:"size_of_event_channel"`
}

// SketchConfig sizes the Count-Min Sketch. Width and depth, when set, win
// over epsilon and delta.
type SketchConfig struct {
	Epsilon       float64  `yaml:"epsilon"`
	Delta         float64  `yaml:"delta"`
	Width         uint32   `yaml:"width"`
	Depth         uint32   `yaml:"depth"`
	Seeds         []uint32 `yaml:"seeds"`
	DecayPolicy   string   `yaml:"decay_policy"`
	DecayInterval string   `yaml:"decay_interval"`
}

type ExactConfig struct {
	NumShards      uint32 `yaml:"num_shards"`
	WindowDuration string `yaml:"window_duration"`
}

type ReconcilerConfig struct {
	Interval     string `yaml:"interval"`
	RetryQueue   int    `yaml:"retry_queue"`
	StoreTimeout string `yaml:"store_timeout"`
}

type ApproximateConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
	ExactHold       string `yaml:"exact_hold"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// FeedConfig selects the inbound event transport.
type FeedConfig struct {
	Type  string      `yaml:"type"` // none, nats or kafka
	NATS  NATSConfig  `yaml:"nats"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type FileStoreConfig struct {
	RootPath string `yaml:"root_path"`
}

type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// StoreConfig selects where closed windows are persisted.
type StoreConfig struct {
	Type       string           `yaml:"type"` // none, memory, file, clickhouse or postgres
	File       FileStoreConfig  `yaml:"file"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

type RedisSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type NATSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// SinksConfig lists the external mirrors of the published leaderboard.
type SinksConfig struct {
	Redis RedisSinkConfig `yaml:"redis"`
	NATS  NATSSinkConfig  `yaml:"nats"`
}

type APIConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	GRPCAddr        string `yaml:"grpc_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Sketch      SketchConfig      `yaml:"sketch"`
	Exact       ExactConfig       `yaml:"exact"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Approximate ApproximateConfig `yaml:"approximate"`
	Feed        FeedConfig        `yaml:"feed"`
	Store       StoreConfig       `yaml:"store"`
	Sinks       SinksConfig       `yaml:"sinks"`
	API         APIConfig         `yaml:"api"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns a configuration that runs a standalone engine with no
// external dependencies.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			K:                  10,
			NumWorkers:         4,
			SizeOfEventChannel: 4096,
		},
		Sketch: SketchConfig{
			Epsilon:       0.001,
			Delta:         0.01,
			DecayPolicy:   "none",
			DecayInterval: "1m",
		},
		Exact: ExactConfig{
			NumShards:      256,
			WindowDuration: "1m",
		},
		Reconciler: ReconcilerConfig{
			Interval:     "10s",
			RetryQueue:   16,
			StoreTimeout: "5s",
		},
		Approximate: ApproximateConfig{
			RefreshInterval: "1s",
			ExactHold:       "0s",
		},
		Feed: FeedConfig{
			Type: "none",
			NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "hh.events"},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "hh-events",
				GroupID: "hh-engine",
			},
		},
		Store: StoreConfig{
			Type: "none",
			File: FileStoreConfig{RootPath: "./data/windows"},
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "default",
				Username: "default",
				Table:    "hh_window_counts",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "heavyspectra",
				User:     "heavyspectra",
				SSLMode:  "disable",
			},
		},
		Sinks: SinksConfig{
			Redis: RedisSinkConfig{Addr: "localhost:6379", Key: "hh:leaderboard"},
			NATS:  NATSSinkConfig{URL: "nats://127.0.0.1:4222", Subject: "hh.leaderboard"},
		},
		API: APIConfig{
			ListenAddr:      ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: "10s",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the configuration from a YAML file (if path is not
// empty), applies HH_* environment overrides and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HH_ENGINE_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Engine.K = k
		}
	}
	if v := os.Getenv("HH_ENGINE_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.NumWorkers = n
		}
	}
	if v := os.Getenv("HH_SKETCH_DECAY_POLICY"); v != "" {
		cfg.Sketch.DecayPolicy = v
	}
	if v := os.Getenv("HH_EXACT_WINDOW_DURATION"); v != "" {
		cfg.Exact.WindowDuration = v
	}
	if v := os.Getenv("HH_RECONCILER_INTERVAL"); v != "" {
		cfg.Reconciler.Interval = v
	}
	if v := os.Getenv("HH_FEED_TYPE"); v != "" {
		cfg.Feed.Type = v
	}
	if v := os.Getenv("HH_NATS_URL"); v != "" {
		cfg.Feed.NATS.URL = v
		cfg.Sinks.NATS.URL = v
	}
	if v := os.Getenv("HH_KAFKA_BROKERS"); v != "" {
		cfg.Feed.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("HH_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("HH_CLICKHOUSE_HOST"); v != "" {
		cfg.Store.ClickHouse.Host = v
	}
	if v := os.Getenv("HH_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Store.ClickHouse.Password = v
	}
	if v := os.Getenv("HH_POSTGRES_HOST"); v != "" {
		cfg.Store.Postgres.Host = v
	}
	if v := os.Getenv("HH_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.Postgres.Password = v
	}
	if v := os.Getenv("HH_REDIS_ADDR"); v != "" {
		cfg.Sinks.Redis.Addr = v
	}
	if v := os.Getenv("HH_REDIS_PASSWORD"); v != "" {
		cfg.Sinks.Redis.Password = v
	}
	if v := os.Getenv("HH_API_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("HH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Validate checks every field the engine depends on. All failures wrap
// model.ErrInvalidParameters.
func (c *Config) Validate() error {
	if c.Engine.K <= 0 {
		return invalid("engine.k must be positive, got %d", c.Engine.K)
	}
	if c.Engine.NumWorkers <= 0 {
		return invalid("engine.num_workers must be positive, got %d", c.Engine.NumWorkers)
	}
	if c.Engine.SizeOfEventChannel < 0 {
		return invalid("engine.size_of_event_channel must not be negative")
	}
	if (c.Sketch.Width == 0) != (c.Sketch.Depth == 0) {
		return invalid("sketch.width and sketch.depth must be set together")
	}
	if c.Sketch.Width == 0 {
		if c.Sketch.Epsilon <= 0 || c.Sketch.Delta <= 0 || c.Sketch.Delta >= 1 {
			return invalid("sketch needs epsilon > 0 and 0 < delta < 1, got %g and %g", c.Sketch.Epsilon, c.Sketch.Delta)
		}
	}
	if len(c.Sketch.Seeds) > 0 && c.Sketch.Depth != 0 && uint32(len(c.Sketch.Seeds)) != c.Sketch.Depth {
		return invalid("sketch.seeds has %d entries, depth is %d", len(c.Sketch.Seeds), c.Sketch.Depth)
	}
	switch c.Sketch.DecayPolicy {
	case "", "none", "halve", "decay", "reset":
	default:
		return invalid("unknown sketch.decay_policy %q", c.Sketch.DecayPolicy)
	}

	for name, v := range map[string]string{
		"sketch.decay_interval":        c.Sketch.DecayInterval,
		"exact.window_duration":        c.Exact.WindowDuration,
		"reconciler.interval":          c.Reconciler.Interval,
		"reconciler.store_timeout":     c.Reconciler.StoreTimeout,
		"approximate.refresh_interval": c.Approximate.RefreshInterval,
		"approximate.exact_hold":       c.Approximate.ExactHold,
		"api.shutdown_timeout":         c.API.ShutdownTimeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return invalid("%s: %v", name, err)
		}
	}
	if d, _ := parseDuration(c.Reconciler.Interval); d <= 0 {
		return invalid("reconciler.interval must be a positive duration")
	}

	switch c.Feed.Type {
	case "", "none":
	case "nats":
		if c.Feed.NATS.URL == "" || c.Feed.NATS.Subject == "" {
			return invalid("feed.nats needs url and subject")
		}
	case "kafka":
		if len(c.Feed.Kafka.Brokers) == 0 || c.Feed.Kafka.Topic == "" {
			return invalid("feed.kafka needs brokers and topic")
		}
	default:
		return invalid("unknown feed.type %q", c.Feed.Type)
	}

	switch c.Store.Type {
	case "", "none", "memory", "clickhouse", "postgres":
	case "file":
		if c.Store.File.RootPath == "" {
			return invalid("store.file.root_path is required")
		}
	default:
		return invalid("unknown store.type %q", c.Store.Type)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidParameters, fmt.Sprintf(format, args...))
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Durations is the parsed form of every duration string in Config.
type Durations struct {
	DecayInterval     time.Duration
	WindowDuration    time.Duration
	ReconcileInterval time.Duration
	StoreTimeout      time.Duration
	RefreshInterval   time.Duration
	ExactHold         time.Duration
	ShutdownTimeout   time.Duration
}

// Durations parses the duration fields. Call Validate first; on a config
// that passed validation it cannot fail.
func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	parse := func(dst *time.Duration, name, v string) {
		if err != nil {
			return
		}
		if *dst, err = parseDuration(v); err != nil {
			err = fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	parse(&d.DecayInterval, "sketch.decay_interval", c.Sketch.DecayInterval)
	parse(&d.WindowDuration, "exact.window_duration", c.Exact.WindowDuration)
	parse(&d.ReconcileInterval, "reconciler.interval", c.Reconciler.Interval)
	parse(&d.StoreTimeout, "reconciler.store_timeout", c.Reconciler.StoreTimeout)
	parse(&d.RefreshInterval, "approximate.refresh_interval", c.Approximate.RefreshInterval)
	parse(&d.ExactHold, "approximate.exact_hold", c.Approximate.ExactHold)
	parse(&d.ShutdownTimeout, "api.shutdown_timeout", c.API.ShutdownTimeout)
	return d, err
}
