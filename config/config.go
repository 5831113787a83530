package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every operator-surface knob enumerated in spec.md §6:
// sync cadence, per-mode batch sizing, adaptive thresholds, rate-limit
// behavior, background worker pacing, priority weights, and the
// state-write mode. Mirrors the teacher's nested-struct-plus-viper
// shape from the product service's config package.
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string

	StoresFile string // path to stores.yaml; see LoadStores

	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		LocalhostOnlyPaths []string // paths restricted to loopback callers
	}

	Sync struct {
		IntervalMinutes int
		SkuField        string // SoT extension field carrying the marketplace SKU
		DetailChunkSize int    // SoT products() call fan-in limit
		MaxBatchItems   int    // marketplace hard ceiling per PATCH call

		FirstSync struct {
			BatchSize int
			Delay     time.Duration
		}
		Delta struct {
			BatchSize int
			Delay     time.Duration
		}
		InterPhaseDelay time.Duration
	}

	Adaptive struct {
		Min                 int
		Max                 int
		Initial             int
		GrowthFactor        float64
		ShrinkFactor        float64
		SuccessStreakToGrow int
		BaseDelay           time.Duration
		MaxDelay            time.Duration
	}

	RateLimit struct {
		MinInterval     time.Duration
		LearningEnabled bool
		LearnedCap      time.Duration
		Buffer          time.Duration
		Jitter          time.Duration
	}

	Background struct {
		InitialDelay  time.Duration
		DailyLimit    int
		BatchInterval time.Duration
	}

	Priority struct {
		TopN                int
		InStockWeight       int
		HighStockWeight     int
		LowStockWeight      int
		HighValueWeight     int
		HighStockThreshold  int
		LowStockThreshold   int
		HighValueThreshold  float64
	}

	StateWriteMode string // "atomic" (default) or "direct"
	StateDir       string

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int
		Enabled  bool
	}

	Redis struct {
		Host              string
		Port              int
		Password          string
		DB                int
		PoolSize          int
		DefaultExpiration time.Duration
		Enabled           bool
	}

	Kafka struct {
		Brokers         []string `mapstructure:"brokers"`
		AuditTopic      string   `mapstructure:"auditTopic"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		Enabled         bool     `mapstructure:"enabled"`
	}

	Security struct {
		BearerAuthEnabled bool
		JWTSecret         string
		JWTExpirationMin  time.Duration
	}

	Metrics struct {
		Enabled bool
		Port    int
	}
}

// Load reads configPath (defaulting to "config") plus environment
// overrides, the same viper convention the teacher's product service
// uses.
func Load(configPath string) (*Config, error) {
	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	var cfg Config

	viper.SetConfigName(configFile)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("../config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	setDefaults()
	bindEnvVariables()

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ENV = viper.GetString("env")
	if cfg.ENV == "" {
		cfg.ENV = "development"
		if envVar := os.Getenv("APP_ENV"); envVar != "" {
			cfg.ENV = envVar
		}
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("appName", "storesync")
	viper.SetDefault("version", "1.0.0")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("env", "development")
	viper.SetDefault("storesFile", "config/stores.yaml")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.readTimeout", "10s")
	viper.SetDefault("server.writeTimeout", "10s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.localhostOnlyPaths", []string{"/circuit-breakers/reset", "/trigger-sync"})

	viper.SetDefault("sync.intervalMinutes", 20)
	viper.SetDefault("sync.skuField", "usr_column_514")
	viper.SetDefault("sync.detailChunkSize", 1000)
	viper.SetDefault("sync.maxBatchItems", 200)
	viper.SetDefault("sync.firstSync.batchSize", 25)
	viper.SetDefault("sync.firstSync.delay", "3s")
	viper.SetDefault("sync.delta.batchSize", 150)
	viper.SetDefault("sync.delta.delay", "500ms")
	viper.SetDefault("sync.interPhaseDelay", "1s")

	viper.SetDefault("adaptive.min", 10)
	viper.SetDefault("adaptive.max", 200)
	viper.SetDefault("adaptive.initial", 50)
	viper.SetDefault("adaptive.growthFactor", 1.25)
	viper.SetDefault("adaptive.shrinkFactor", 0.5)
	viper.SetDefault("adaptive.successStreakToGrow", 3)
	viper.SetDefault("adaptive.baseDelay", "500ms")
	viper.SetDefault("adaptive.maxDelay", "30s")

	viper.SetDefault("rateLimit.minInterval", "2s")
	viper.SetDefault("rateLimit.learningEnabled", true)
	viper.SetDefault("rateLimit.learnedCap", "30m")
	viper.SetDefault("rateLimit.buffer", "2s")
	viper.SetDefault("rateLimit.jitter", "500ms")

	viper.SetDefault("background.initialDelay", "1h")
	viper.SetDefault("background.dailyLimit", 500)
	viper.SetDefault("background.batchInterval", "24h")

	viper.SetDefault("priority.topN", 500)
	viper.SetDefault("priority.inStockWeight", 100)
	viper.SetDefault("priority.highStockWeight", 20)
	viper.SetDefault("priority.lowStockWeight", 10)
	viper.SetDefault("priority.highValueWeight", 15)
	viper.SetDefault("priority.highStockThreshold", 50)
	viper.SetDefault("priority.lowStockThreshold", 5)
	viper.SetDefault("priority.highValueThreshold", 50.0)

	viper.SetDefault("stateWriteMode", "atomic")
	viper.SetDefault("stateDir", "state")

	viper.SetDefault("postgres.enabled", false)
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "storesync")
	viper.SetDefault("postgres.password", "storesync")
	viper.SetDefault("postgres.dbname", "storesync")
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("postgres.timeout", "5s")
	viper.SetDefault("postgres.poolSize", 5)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 5)
	viper.SetDefault("redis.defaultExpiration", "10m")

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.auditTopic", "storesync.audit")
	viper.SetDefault("kafka.writeTimeout", "5s")

	viper.SetDefault("security.bearerAuthEnabled", false)
	viper.SetDefault("security.jwtSecret", "")
	viper.SetDefault("security.jwtExpirationMin", "60m")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
}

func bindEnvVariables() {
	viper.BindEnv("appName", "APP_NAME")
	viper.BindEnv("version", "APP_VERSION")
	viper.BindEnv("logLevel", "LOG_LEVEL")
	viper.BindEnv("env", "APP_ENV")
	viper.BindEnv("storesFile", "STORES_FILE")

	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("sync.intervalMinutes", "SYNC_INTERVAL_MINUTES")
	viper.BindEnv("sync.skuField", "SYNC_SKU_FIELD")
	viper.BindEnv("sync.detailChunkSize", "SYNC_DETAIL_CHUNK_SIZE")
	viper.BindEnv("sync.maxBatchItems", "SYNC_MAX_BATCH_ITEMS")

	viper.BindEnv("rateLimit.minInterval", "RATE_LIMIT_MIN_INTERVAL")
	viper.BindEnv("rateLimit.learningEnabled", "RATE_LIMIT_LEARNING_ENABLED")

	viper.BindEnv("background.dailyLimit", "BACKGROUND_DAILY_LIMIT")
	viper.BindEnv("background.initialDelay", "BACKGROUND_INITIAL_DELAY")

	viper.BindEnv("stateWriteMode", "STATE_WRITE_MODE")
	viper.BindEnv("stateDir", "STATE_DIR")

	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.dbname", "POSTGRES_DBNAME")
	viper.BindEnv("postgres.enabled", "POSTGRES_ENABLED")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.enabled", "REDIS_ENABLED")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.auditTopic", "KAFKA_AUDIT_TOPIC")
	viper.BindEnv("kafka.enabled", "KAFKA_ENABLED")

	viper.BindEnv("security.bearerAuthEnabled", "SECURITY_BEARER_AUTH_ENABLED")
	viper.BindEnv("security.jwtSecret", "JWT_SECRET")

	viper.BindEnv("metrics.enabled", "METRICS_ENABLED")
	viper.BindEnv("metrics.port", "METRICS_PORT")
}

// StoreConfig is one entry of stores.yaml: the operator-facing
// description of a merchant location, copied field by field into the
// runtime models.Store (Enabled included) by the binaries.
type StoreConfig struct {
	ID                 int    `yaml:"id"`
	Name               string `yaml:"name"`
	VenueID            string `yaml:"venueId"`
	SotBaseURL         string `yaml:"sotBaseUrl"`
	SotLogin           string `yaml:"sotLogin"`
	SotPassword        string `yaml:"sotPassword"`
	MarketplaceBaseURL string `yaml:"marketplaceBaseUrl"`
	MarketplaceUser    string `yaml:"marketplaceUser"`
	MarketplacePass    string `yaml:"marketplacePass"`
	Enabled            bool   `yaml:"enabled"`
}

// LoadStores reads the stores.yaml file referenced by cfg.StoresFile.
func LoadStores(path string) ([]StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stores file %s: %w", path, err)
	}
	var wrapper struct {
		Stores []StoreConfig `yaml:"stores"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing stores file %s: %w", path, err)
	}
	return wrapper.Stores, nil
}
