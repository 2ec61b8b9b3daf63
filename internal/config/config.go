// Package config loads the engine's TOML configuration (SPEC_FULL.md §2A):
// env > file > default. The CLI's own flags choose the file and the logging
// mode; no flag overrides an individual config field.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Database configures the engine-owned ledger/run store.
type Database struct {
	DSN string `toml:"dsn"`
}

// Source configures the monitored source database this process instance
// watches. A SyncSource's own ConnectionDSN (control-plane data) identifies
// which source instance a definition binds to; this section is the
// operator-supplied connection for the instance this process is deployed
// against (one syncengine process per monitored source instance).
type Source struct {
	DSN                 string `toml:"dsn"`
	ReplicationSlotName string `toml:"replication_slot_name"`
}

// Queue configures the durable CDC event queue.
type Queue struct {
	RedisAddr string `toml:"redis_addr"`
}

// ListBackend configures the REST target-list client.
type ListBackend struct {
	BaseURL      string `toml:"base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url"`
}

// CDC configures the logical-replication ingestion path.
type CDC struct {
	PublicationName  string `toml:"publication_name"`
	HighWaterMark    int64  `toml:"high_water_mark"`
	CheckpointEvery  string `toml:"checkpoint_every"`
	ConsumerGroup    string `toml:"consumer_group"`
}

// RateLimit configures the default list-backend request rate, overridable
// per SyncDefinition.
type RateLimit struct {
	DefaultPerSec float64 `toml:"default_per_sec"`
}

// Config is the top-level TOML document (SPEC_FULL.md §2A sections).
type Config struct {
	Database    Database    `toml:"database"`
	Source      Source      `toml:"source"`
	Queue       Queue       `toml:"queue"`
	ListBackend ListBackend `toml:"listbackend"`
	CDC         CDC         `toml:"cdc"`
	RateLimit   RateLimit   `toml:"ratelimit"`
	LogLevel    string      `toml:"log_level"`
}

// Default returns a Config with the same fallback values SPEC_FULL.md §4.8
// and §6 cite inline (publication name arcore_cdc_pub, high water mark
// 10,000).
func Default() Config {
	return Config{
		CDC: CDC{
			PublicationName: "arcore_cdc_pub",
			HighWaterMark:   10_000,
			CheckpointEvery: "5s",
			ConsumerGroup:   "arcore-sync",
		},
		LogLevel: "info",
	}
}

// Load reads and parses path over Default(), so an omitted section keeps
// its documented fallback.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ARCORE_-prefixed environment variables,
// the container-friendly override layer applied on top of the file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ARCORE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ARCORE_SOURCE_DSN"); v != "" {
		c.Source.DSN = v
	}
	if v := os.Getenv("ARCORE_QUEUE_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("ARCORE_LISTBACKEND_BASE_URL"); v != "" {
		c.ListBackend.BaseURL = v
	}
	if v := os.Getenv("ARCORE_LISTBACKEND_CLIENT_ID"); v != "" {
		c.ListBackend.ClientID = v
	}
	if v := os.Getenv("ARCORE_LISTBACKEND_CLIENT_SECRET"); v != "" {
		c.ListBackend.ClientSecret = v
	}
	if v := os.Getenv("ARCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
