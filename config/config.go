// Package config loads quillboxd's layered YAML configuration (spec §6
// Configuration): a flags-only predecessor took every knob on the command
// line, so this adopts koanf's file+yaml provider stack instead, letting
// the same knobs live in a config file and still be overridden by flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every knob spec §6 names plus the listener/storage
// settings a quillboxd deployment needs to start.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Limits    LimitsConfig    `koanf:"limits"`
	Changelog ChangelogConfig `koanf:"changelog"`
	Notifier  NotifierConfig  `koanf:"notifier"`
	Redis     RedisConfig     `koanf:"redis"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// ServerConfig names the listener addresses and on-disk locations.
type ServerConfig struct {
	Hostname string `koanf:"hostname"`
	DBDir    string `koanf:"db_dir"`
	IMAPAddr string `koanf:"imap_addr"`
	POP3Addr string `koanf:"pop3_addr"`
	HTTPAddr string `koanf:"http_addr"` // ACME autocert HTTP-01 challenge responder
	Dev      bool   `koanf:"dev"`       // local CA via util/devcert
	WorkerID string `koanf:"worker_id"` // spec §6 workerId, the notifier registry key
}

// LimitsConfig is spec §6's socketTimeout/maxLineLength/maxUploadBytes.
type LimitsConfig struct {
	SocketTimeout  time.Duration `koanf:"socket_timeout"`
	MaxLineLength  int           `koanf:"max_line_length"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes"`
}

// ChangelogConfig is spec §6's changelog.maxEntries/changelog.compactKeep.
type ChangelogConfig struct {
	MaxEntries  int `koanf:"max_entries"`
	CompactKeep int `koanf:"compact_keep"`
}

// NotifierConfig is spec §6's notifier.ttl/notifier.refresh.
type NotifierConfig struct {
	TTL     time.Duration `koanf:"ttl"`
	Refresh time.Duration `koanf:"refresh"`
}

// RedisConfig addresses the KV cache named throughout spec §3/§4.F/§4.H.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// MetricsConfig controls the prometheus /metrics listener (ambient, see
// SPEC_FULL's AMBIENT STACK section).
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the configuration spec §6 lists as defaults.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Config{
		Server: ServerConfig{
			Hostname: hostname,
			IMAPAddr: ":943",
			POP3Addr: ":995",
			HTTPAddr: ":80",
		},
		Limits: LimitsConfig{
			SocketTimeout:  30 * time.Second,
			MaxLineLength:  65536,
			MaxUploadBytes: 25 << 20,
		},
		Changelog: ChangelogConfig{
			MaxEntries:  5000,
			CompactKeep: 1000,
		},
		Notifier: NotifierConfig{
			TTL:     120 * time.Second,
			Refresh: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads path as YAML over top of Default, the same "defaults first,
// file second" shape fenilsonani-email-server's config.Load uses. A
// missing file is not an error — quillboxd can run on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations quillboxd cannot start with.
func (c *Config) Validate() error {
	if c.Server.WorkerID == "" {
		return fmt.Errorf("config: server.worker_id is required (spec §6 workerId)")
	}
	if c.Limits.MaxLineLength < 512 {
		return fmt.Errorf("config: limits.max_line_length must be at least 512 bytes")
	}
	if c.Changelog.MaxEntries <= c.Changelog.CompactKeep {
		return fmt.Errorf("config: changelog.max_entries must exceed changelog.compact_keep")
	}
	if c.Notifier.TTL <= 0 {
		return fmt.Errorf("config: notifier.ttl must be positive")
	}
	if c.Notifier.Refresh <= 0 || c.Notifier.Refresh >= c.Notifier.TTL {
		return fmt.Errorf("config: notifier.refresh must be positive and less than notifier.ttl")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	return nil
}
