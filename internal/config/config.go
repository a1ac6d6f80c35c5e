package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Neo4j         Neo4jConfig         `mapstructure:"neo4j"`
	NATS          NATSConfig          `mapstructure:"nats"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	Graph         GraphConfig         `mapstructure:"graph"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Scoring       ScoringConfig       `mapstructure:"scoring"`
	Batch         BatchConfig         `mapstructure:"batch"`
	Cache         CacheConfig         `mapstructure:"cache"`
	MetricsServer MetricsServerConfig `mapstructure:"metrics_server"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Debug       bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxBodyBytes bounds uploaded bundles
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Schema          string        `mapstructure:"schema"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&search_path=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.Schema,
	)
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TLS       bool   `mapstructure:"tls"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	URI                string `mapstructure:"uri"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Database           string `mapstructure:"database"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MaxLifetimeMinutes int    `mapstructure:"max_lifetime_minutes"`
}

type NATSConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	URL        string             `mapstructure:"url"`
	StreamName string             `mapstructure:"stream_name"`
	Subjects   NATSSubjectsConfig `mapstructure:"subjects"`
}

type NATSSubjectsConfig struct {
	Scored string `mapstructure:"scored"`
	Failed string `mapstructure:"failed"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
}

// GraphConfig controls call graph construction
type GraphConfig struct {
	MinWeight    int      `mapstructure:"min_weight"`
	FanOutCap    int      `mapstructure:"fan_out_cap"`
	DropIsolated bool     `mapstructure:"drop_isolated"`
	StopClasses  []string `mapstructure:"stop_classes"`
	MaxNodes     int      `mapstructure:"max_nodes"`
	MaxEdges     int      `mapstructure:"max_edges"`
}

// MetricsConfig controls the structural graph metrics
type MetricsConfig struct {
	BetweennessCost   string  `mapstructure:"betweenness_cost"`
	PageRankDamping   float64 `mapstructure:"pagerank_damping"`
	PageRankMaxIter   int     `mapstructure:"pagerank_max_iter"`
	PageRankTolerance float64 `mapstructure:"pagerank_tolerance"`
}

type ScoringConfig struct {
	// Rounding applied to suppressed manifest counts: half_even, half_away or truncate
	Rounding string `mapstructure:"rounding"`
	// RulesFile replaces the embedded category tables when set
	RulesFile string `mapstructure:"rules_file"`
}

type BatchConfig struct {
	Workers        int           `mapstructure:"workers"`
	PackageTimeout time.Duration `mapstructure:"package_timeout"`
	MinSizeKB      int           `mapstructure:"min_size_kb"`
	ProgressEvery  int           `mapstructure:"progress_every"`
	Resume         bool          `mapstructure:"resume"`
	Output         string        `mapstructure:"output"`
	Features       bool          `mapstructure:"features"`
	Sink           string        `mapstructure:"sink"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	LRUSize int           `mapstructure:"lru_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type MetricsServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables. An explicit
// path must exist; without one a missing config file is tolerated and the
// defaults apply.
func Load(configPath string) (*Config, error) {
	return load(configPath, nil, nil)
}

// LoadWithFlags is Load with command-line flags taking precedence over the
// file and the environment. bindings maps config keys to flag names; flags
// left unset do not override.
func LoadWithFlags(configPath string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	return load(configPath, flags, bindings)
}

func load(configPath string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/apkscore")
	}

	// Environment variables
	v.SetEnvPrefix("APKSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind nested env vars explicitly (viper doesn't auto-bind nested struct fields)
	v.BindEnv("redis.enabled", "APKSCORE_REDIS_ENABLED")
	v.BindEnv("redis.host", "APKSCORE_REDIS_HOST")
	v.BindEnv("redis.port", "APKSCORE_REDIS_PORT")
	v.BindEnv("redis.password", "APKSCORE_REDIS_PASSWORD")
	v.BindEnv("database.enabled", "APKSCORE_DATABASE_ENABLED")
	v.BindEnv("database.host", "APKSCORE_DATABASE_HOST")
	v.BindEnv("database.port", "APKSCORE_DATABASE_PORT")
	v.BindEnv("database.user", "APKSCORE_DATABASE_USER")
	v.BindEnv("database.password", "APKSCORE_DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "APKSCORE_DATABASE_DBNAME")
	v.BindEnv("database.sslmode", "APKSCORE_DATABASE_SSLMODE")
	v.BindEnv("neo4j.enabled", "APKSCORE_NEO4J_ENABLED")
	v.BindEnv("nats.enabled", "APKSCORE_NATS_ENABLED")
	v.BindEnv("app.environment", "APKSCORE_APP_ENVIRONMENT")
	v.BindEnv("batch.workers", "APKSCORE_BATCH_WORKERS")

	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			return nil, fmt.Errorf("no flag %q for config key %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
		}
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads configuration with default path
func LoadDefault() (*Config, error) {
	return Load("")
}

// Default returns the built-in configuration without reading files or the
// environment. It panics if the built-in defaults do not decode.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "apkscore")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "0.1.0")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 64<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "apkscore")
	v.SetDefault("database.dbname", "apkscore")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "apkscore:")

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_connections", 50)
	v.SetDefault("neo4j.max_lifetime_minutes", 60)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "APKSCORE")
	v.SetDefault("nats.subjects.scored", "apkscore.package.scored")
	v.SetDefault("nats.subjects.failed", "apkscore.package.failed")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Content-Type", "X-Request-ID"})
	v.SetDefault("cors.max_age", 300)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("graph.min_weight", 2)
	v.SetDefault("graph.fan_out_cap", 50)
	v.SetDefault("graph.drop_isolated", true)
	v.SetDefault("graph.max_nodes", 10000)
	v.SetDefault("graph.max_edges", 100000)

	v.SetDefault("metrics.betweenness_cost", "inverse")
	v.SetDefault("metrics.pagerank_damping", 0.85)
	v.SetDefault("metrics.pagerank_max_iter", 100)
	v.SetDefault("metrics.pagerank_tolerance", 1e-6)

	v.SetDefault("scoring.rounding", "half_even")

	v.SetDefault("batch.workers", defaultWorkers())
	v.SetDefault("batch.package_timeout", 10*time.Minute)
	v.SetDefault("batch.min_size_kb", 0)
	v.SetDefault("batch.progress_every", 50)
	v.SetDefault("batch.resume", true)
	v.SetDefault("batch.output", "scores.csv")
	v.SetDefault("batch.sink", "csv")
	v.SetDefault("batch.lock_ttl", time.Hour)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.lru_size", 1024)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("metrics_server.enabled", true)
	v.SetDefault("metrics_server.path", "/metrics")
}

func defaultWorkers() int {
	if n := runtime.NumCPU() - 2; n > 1 {
		return n
	}
	return 1
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Graph.MinWeight < 1 {
		errs = append(errs, fmt.Errorf("graph.min_weight must be >= 1 (got %d)", c.Graph.MinWeight))
	}
	if c.Graph.FanOutCap < 1 {
		errs = append(errs, fmt.Errorf("graph.fan_out_cap must be >= 1 (got %d)", c.Graph.FanOutCap))
	}
	if c.Graph.MaxNodes < 0 || c.Graph.MaxEdges < 0 {
		errs = append(errs, errors.New("graph.max_nodes and graph.max_edges must not be negative"))
	}
	switch c.Metrics.BetweennessCost {
	case "inverse", "weight":
	default:
		errs = append(errs, fmt.Errorf("metrics.betweenness_cost must be inverse or weight (got %q)", c.Metrics.BetweennessCost))
	}
	if c.Metrics.PageRankDamping <= 0 || c.Metrics.PageRankDamping >= 1 {
		errs = append(errs, fmt.Errorf("metrics.pagerank_damping must be in (0,1) (got %v)", c.Metrics.PageRankDamping))
	}
	if c.Metrics.PageRankMaxIter < 1 {
		errs = append(errs, fmt.Errorf("metrics.pagerank_max_iter must be >= 1 (got %d)", c.Metrics.PageRankMaxIter))
	}
	if c.Metrics.PageRankTolerance <= 0 {
		errs = append(errs, fmt.Errorf("metrics.pagerank_tolerance must be > 0 (got %v)", c.Metrics.PageRankTolerance))
	}
	switch c.Scoring.Rounding {
	case "half_even", "half_away", "truncate":
	default:
		errs = append(errs, fmt.Errorf("scoring.rounding must be half_even, half_away or truncate (got %q)", c.Scoring.Rounding))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers must be >= 1 (got %d)", c.Batch.Workers))
	}
	if c.Batch.PackageTimeout < 0 {
		errs = append(errs, errors.New("batch.package_timeout must not be negative"))
	}
	switch c.Batch.Sink {
	case "csv", "postgres", "both":
	default:
		errs = append(errs, fmt.Errorf("batch.sink must be csv, postgres or both (got %q)", c.Batch.Sink))
	}
	return errors.Join(errs...)
}
