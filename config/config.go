package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"iocpipe/core"
	"iocpipe/query"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage and lock backends
const (
	BackendMongoDB = "mongodb"
	BackendSQLite  = "sqlite"
	LockFile       = "file"
	LockRedis      = "redis"
)

// Config holds all configuration for iocpipe
type Config struct {
	General struct {
		Workers   int           `mapstructure:"workers" validate:"min=1,max=256"`
		Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
		WorkDir   string        `mapstructure:"work_dir" validate:"required"`
		Timezone  string        `mapstructure:"timezone" validate:"required"`
		BatchSize int           `mapstructure:"batch_size" validate:"min=1"`
	} `mapstructure:"general"`

	Lock struct {
		Backend    string        `mapstructure:"backend" validate:"oneof=file redis"`
		Path       string        `mapstructure:"path"`
		StaleAfter time.Duration `mapstructure:"stale_after" validate:"min=0"`
		Key        string        `mapstructure:"key"`
		TTL        time.Duration `mapstructure:"ttl" validate:"min=0"`
	} `mapstructure:"lock"`

	Log struct {
		Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
		ErrorLog string `mapstructure:"error_log"`
	} `mapstructure:"log"`

	Metrics struct {
		Textfile string `mapstructure:"textfile"`
	} `mapstructure:"metrics"`

	Schedule struct {
		Cron       string `mapstructure:"cron"`
		RunOnStart bool   `mapstructure:"run_on_start"`
	} `mapstructure:"schedule"`

	Storage struct {
		Backend  string   `mapstructure:"backend" validate:"oneof=mongodb sqlite"`
		MatchKey []string `mapstructure:"match_key" validate:"min=1,unique,dive,oneof=value url provider type info uuid"`
	} `mapstructure:"storage"`

	MongoDB struct {
		URI         string `mapstructure:"uri"`
		Database    string `mapstructure:"database"`
		Collection  string `mapstructure:"collection"`
		MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	} `mapstructure:"mongodb"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Redis RedisConfig `mapstructure:"redis"`

	// Client certificate for the vendor feed
	Vendor struct {
		CertFile           string `mapstructure:"cert_file"`
		KeyFile            string `mapstructure:"key_file"`
		CAFile             string `mapstructure:"ca_file"`
		InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
		KeepFiles          bool   `mapstructure:"keep_files"`
	} `mapstructure:"vendor"`

	HTTP struct {
		Timeout   time.Duration `mapstructure:"timeout" validate:"min=0"`
		Retries   int           `mapstructure:"retries" validate:"min=0,max=10"`
		RateLimit float64       `mapstructure:"rate_limit" validate:"min=0"`
		UserAgent string        `mapstructure:"user_agent"`
	} `mapstructure:"http"`

	Feeds []core.Feed `mapstructure:"feeds" validate:"dive"`

	MISP struct {
		URL                string        `mapstructure:"url" validate:"omitempty,url"`
		Token              string        `mapstructure:"token"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
		RateLimit          float64       `mapstructure:"rate_limit" validate:"min=0"`
		PageSize           int           `mapstructure:"page_size" validate:"min=1"`
		Timeout            time.Duration `mapstructure:"timeout" validate:"min=0"`
	} `mapstructure:"misp"`

	Query query.Options `mapstructure:"query"`

	Secrets SecretsConfig `mapstructure:"secrets"`
}

// RedisConfig is shared by the redis lock and the event cache tier
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"min=1"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("general.workers", 4)
	v.SetDefault("general.timeout", 30*time.Minute)
	v.SetDefault("general.work_dir", "./data/work")
	v.SetDefault("general.timezone", "UTC")
	v.SetDefault("general.batch_size", 1000)

	v.SetDefault("lock.backend", LockFile)
	v.SetDefault("lock.path", "./data/iocpipe.lock")
	v.SetDefault("lock.stale_after", 2*time.Hour)
	v.SetDefault("lock.key", "iocpipe:lock:ingest")
	v.SetDefault("lock.ttl", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.error_log", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("schedule.cron", "")
	v.SetDefault("schedule.run_on_start", false)

	v.SetDefault("storage.backend", BackendMongoDB)
	v.SetDefault("storage.match_key", []string(core.DefaultMatchKey))

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "iocpipe")
	v.SetDefault("mongodb.collection", "iocs")
	v.SetDefault("mongodb.max_pool_size", 10)
	v.SetDefault("sqlite.path", "./data/iocpipe.db")

	// Use 127.0.0.1 instead of localhost to avoid IPv6 resolution issues
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("vendor.insecure_skip_verify", false)
	v.SetDefault("vendor.keep_files", false)
	v.SetDefault("http.timeout", 60*time.Second)
	v.SetDefault("http.retries", 2)
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.user_agent", "iocpipe/1.0")

	v.SetDefault("misp.url", "")
	v.SetDefault("misp.token", "")
	v.SetDefault("misp.insecure_skip_verify", false)
	v.SetDefault("misp.rate_limit", 5)
	v.SetDefault("misp.page_size", 1000)
	v.SetDefault("misp.timeout", 2*time.Minute)

	defaults := query.DefaultOptions()
	v.SetDefault("query.controller", defaults.Controller)
	v.SetDefault("query.keys", defaults.Keys)
	v.SetDefault("query.index", "")
	v.SetDefault("query.separator", defaults.Separator)
	v.SetDefault("query.strict", defaults.Strict)
	v.SetDefault("query.missing_value", defaults.MissingValue)
	v.SetDefault("query.tags_column", defaults.TagsColumn)
	v.SetDefault("query.category_column", defaults.CategoryColumn)
	v.SetDefault("query.severity_column", defaults.SeverityColumn)
	v.SetDefault("query.popularity_column", defaults.PopularityColumn)
	v.SetDefault("query.default_popularity", defaults.DefaultPopularity)
	v.SetDefault("query.regex_timeout", defaults.RegexTimeout)
	v.SetDefault("query.event_cache.size", defaults.EventCache.Size)
	v.SetDefault("query.event_cache.redis", false)
	v.SetDefault("query.event_cache.ttl", defaults.EventCache.TTL)

	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.aws.region", "")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("IOCPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the values most often injected by the environment
	_ = v.BindEnv("misp.token", "IOCPIPE_MISP_TOKEN", "MISP_TOKEN")
	_ = v.BindEnv("mongodb.uri", "IOCPIPE_MONGODB_URI", "MONGODB_URI")
}

// LoadConfig loads configuration from a file and environment variables.
// With an empty path, config.yaml is searched in . and ./config; a missing
// file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Location returns the configured timezone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.General.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MatchKey returns the configured storage match key
func (c *Config) MatchKey() core.MatchKey {
	return core.MatchKey(c.Storage.MatchKey)
}

// FeedByName returns the feed with the given name
func (c *Config) FeedByName(name string) (*core.Feed, bool) {
	for i := range c.Feeds {
		if c.Feeds[i].Name == name {
			return &c.Feeds[i], true
		}
	}
	return nil, false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describeValidation(err))
	}

	if _, err := time.LoadLocation(config.General.Timezone); err != nil {
		return fmt.Errorf("%w: general.timezone %q: %v", ErrInvalidConfig, config.General.Timezone, err)
	}

	seen := make(map[string]bool, len(config.Feeds))
	for _, f := range config.Feeds {
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate feed name %q", ErrInvalidConfig, f.Name)
		}
		seen[f.Name] = true
	}

	switch config.Storage.Backend {
	case BackendMongoDB:
		if !strings.HasPrefix(config.MongoDB.URI, "mongodb://") && !strings.HasPrefix(config.MongoDB.URI, "mongodb+srv://") && !isSecretRef(config.MongoDB.URI) {
			return fmt.Errorf("%w: invalid MongoDB URI: must start with mongodb:// or mongodb+srv://", ErrInvalidConfig)
		}
		if config.MongoDB.Database == "" || config.MongoDB.Collection == "" {
			return fmt.Errorf("%w: mongodb database and collection cannot be empty", ErrInvalidConfig)
		}
	case BackendSQLite:
		if config.SQLite.Path == "" {
			return fmt.Errorf("%w: sqlite.path cannot be empty", ErrInvalidConfig)
		}
	}

	usesRedis := config.Lock.Backend == LockRedis || config.Query.EventCache.Redis
	if usesRedis && config.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required by lock.backend=redis or query.event_cache.redis", ErrInvalidConfig)
	}
	if config.Lock.Backend == LockFile && config.Lock.Path == "" {
		return fmt.Errorf("%w: lock.path cannot be empty", ErrInvalidConfig)
	}

	if config.MISP.URL != "" {
		if u, err := url.Parse(config.MISP.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: misp.url must be an http(s) URL", ErrInvalidConfig)
		}
	}

	return ValidateRunLimits(config)
}

// ValidateRunLimits checks that an ingest run is bounded and that the run
// lock outlives it. Neither lock is refreshed while a run is in progress, so
// a lock that expires first would let a second run start alongside.
// Callers that override general.timeout after loading must call it again.
func ValidateRunLimits(config *Config) error {
	timeout := config.General.Timeout
	if timeout <= 0 {
		return fmt.Errorf("%w: general.timeout must be positive, got %s", ErrInvalidConfig, timeout)
	}

	switch config.Lock.Backend {
	case LockRedis:
		if config.Lock.TTL < timeout {
			return fmt.Errorf("%w: lock.ttl (%s) must be at least general.timeout (%s)", ErrInvalidConfig, config.Lock.TTL, timeout)
		}
	case LockFile:
		// Zero disables stale takeover, which covers any timeout.
		if config.Lock.StaleAfter > 0 && config.Lock.StaleAfter < timeout {
			return fmt.Errorf("%w: lock.stale_after (%s) must be at least general.timeout (%s)", ErrInvalidConfig, config.Lock.StaleAfter, timeout)
		}
	}
	return nil
}

// describeValidation flattens validator errors into one line.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
