package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iocpipe/core"
)

const sampleConfig = `
general:
  workers: 8
  timezone: Europe/Rome
storage:
  backend: sqlite
  match_key: [value, provider]
sqlite:
  path: /tmp/iocpipe-test.db
misp:
  url: https://misp.example.org
  token: env:TEST_MISP_TOKEN
feeds:
  - name: vendor-daily
    url: https://vendor.example.com/export.zip
    format: vendor
    provider: Vendor
  - name: abuse-csv
    url: https://feeds.example.com/abuse.csv
    format: csv
    delimiter: ";"
    fields:
      value: 0
      timestamp: 2
    headers:
      X-Api-Key: env:TEST_ABUSE_KEY
query:
  keys: [value, type]
  lookups:
    - column: category
      value: Payload delivery
      replacement: malware
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// loadValid returns a config that passes validation, for mutation in tests
func loadValid(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_File(t *testing.T) {
	cfg := loadValid(t)

	assert.Equal(t, 8, cfg.General.Workers)
	assert.Equal(t, "Europe/Rome", cfg.General.Timezone)
	assert.Equal(t, "Europe/Rome", cfg.Location().String())
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, core.MatchKey{"value", "provider"}, cfg.MatchKey())

	require.Len(t, cfg.Feeds, 2)
	assert.Equal(t, core.FeedFormat("vendor"), cfg.Feeds[0].Format)
	assert.Equal(t, ";", cfg.Feeds[1].Delimiter)
	require.NotNil(t, cfg.Feeds[1].Fields.Timestamp)
	assert.Equal(t, 2, *cfg.Feeds[1].Fields.Timestamp)
	assert.Nil(t, cfg.Feeds[1].Fields.Info)

	assert.Equal(t, []string{"value", "type"}, cfg.Query.Keys)
	require.Len(t, cfg.Query.Lookups, 1)
	assert.Equal(t, "Payload delivery", cfg.Query.Lookups[0].Value)

	f, ok := cfg.FeedByName("abuse-csv")
	require.True(t, ok)
	assert.Equal(t, "https://feeds.example.com/abuse.csv", f.URL)
	_, ok = cfg.FeedByName("missing")
	assert.False(t, ok)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "feeds: []\n"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.General.Workers)
	assert.Equal(t, 30*time.Minute, cfg.General.Timeout)
	assert.Equal(t, "UTC", cfg.General.Timezone)
	assert.Equal(t, 1000, cfg.General.BatchSize)
	assert.Equal(t, LockFile, cfg.Lock.Backend)
	assert.Equal(t, BackendMongoDB, cfg.Storage.Backend)
	assert.Equal(t, core.DefaultMatchKey, cfg.MatchKey())
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoDB.URI)
	assert.Equal(t, "iocpipe", cfg.MongoDB.Database)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 1000, cfg.MISP.PageSize)
	assert.Equal(t, "attributes", cfg.Query.Controller)
	assert.Equal(t, ",", cfg.Query.Separator)
	assert.True(t, cfg.Query.Strict)
	assert.Equal(t, 1024, cfg.Query.EventCache.Size)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("IOCPIPE_GENERAL_WORKERS", "2")
	t.Setenv("IOCPIPE_LOG_LEVEL", "debug")
	t.Setenv("MISP_TOKEN", "from-env")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.General.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.MISP.Token)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_InvalidFeed(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
feeds:
  - name: broken
    url: not a url
    format: xml
`))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "URL")
	assert.Contains(t, err.Error(), "Format")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.General.Workers = 0 },
			wantErr: "Workers",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.General.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "Backend",
		},
		{
			name:    "unknown match field",
			mutate:  func(c *Config) { c.Storage.MatchKey = []string{"value", "tags"} },
			wantErr: "MatchKey",
		},
		{
			name:    "duplicate feed name",
			mutate:  func(c *Config) { c.Feeds[1].Name = c.Feeds[0].Name },
			wantErr: "duplicate feed name",
		},
		{
			name: "invalid mongodb uri",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendMongoDB
				c.MongoDB.URI = "postgres://localhost"
			},
			wantErr: "MongoDB URI",
		},
		{
			name: "mongodb uri secret reference",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendMongoDB
				c.MongoDB.URI = "vault:secret/data/iocpipe#mongo_uri"
			},
		},
		{
			name: "redis lock without address",
			mutate: func(c *Config) {
				c.Lock.Backend = LockRedis
				c.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name: "event cache in redis without address",
			mutate: func(c *Config) {
				c.Query.EventCache.Redis = true
				c.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name:    "non http misp url",
			mutate:  func(c *Config) { c.MISP.URL = "ftp://misp.example.org" },
			wantErr: "URL",
		},
		{
			name:    "zero run timeout",
			mutate:  func(c *Config) { c.General.Timeout = 0 },
			wantErr: "Timeout",
		},
		{
			name: "redis lock expires before the run times out",
			mutate: func(c *Config) {
				c.Lock.Backend = LockRedis
				c.General.Timeout = 2 * time.Hour
				c.Lock.TTL = time.Hour
			},
			wantErr: "lock.ttl",
		},
		{
			name: "file lock goes stale before the run times out",
			mutate: func(c *Config) {
				c.General.Timeout = 3 * time.Hour
				c.Lock.StaleAfter = 2 * time.Hour
			},
			wantErr: "lock.stale_after",
		},
		{
			name: "file lock that never goes stale",
			mutate: func(c *Config) {
				c.General.Timeout = 3 * time.Hour
				c.Lock.StaleAfter = 0
			},
		},
		{
			name:    "empty query keys",
			mutate:  func(c *Config) { c.Query.Keys = nil },
			wantErr: "Keys",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadValid(t)
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
