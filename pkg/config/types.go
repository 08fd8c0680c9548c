package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Platform PlatformConfig `yaml:"platform"`
	Security SecurityConfig `yaml:"security"`
	Cache    CacheConfig    `yaml:"cache"`
	Push     PushConfig     `yaml:"push"`
	Fallback FallbackConfig `yaml:"fallback"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig holds http, storage and tls settings.
type ServerConfig struct {
	Address     string    `yaml:"address"`
	Port        int       `yaml:"port"`
	DBPath      string    `yaml:"db_path"`
	MaxBodySize SizeBytes `yaml:"max_body_size"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// PlatformConfig identifies this node within the federation.
type PlatformConfig struct {
	Domain         string `yaml:"domain"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PrivateKeyPEM  string `yaml:"private_key_pem"`
}

// SecurityConfig holds authentication tunables and local API keys.
type SecurityConfig struct {
	TokenTTL     Duration `yaml:"token_ttl"`
	PastLenience Duration `yaml:"past_lenience"`
	FutLenience  Duration `yaml:"future_lenience"`
	APIKeys      []string `yaml:"api_keys"`
	RateLimit    struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// CacheConfig selects the cache backend and its lifetimes.
type CacheConfig struct {
	RedisURL    string   `yaml:"redis_url"`
	Prefix      string   `yaml:"prefix"`
	NodeTTL     Duration `yaml:"node_ttl"`
	MXTTL       Duration `yaml:"mx_ttl"`
	PubkeyTTL   Duration `yaml:"pubkey_ttl"`
	DNSTimeout  Duration `yaml:"dns_timeout"`
}

// PushConfig controls outbound propagation.
type PushConfig struct {
	Timeout Duration `yaml:"timeout"`
	Scheme  string   `yaml:"scheme"` // https unless overridden for tests
}

// FallbackConfig controls email delivery to non-platform participants.
type FallbackConfig struct {
	Mode   string `yaml:"mode"` // ses | log
	Sender string `yaml:"sender"`
	SES    struct {
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"ses"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SweeperConfig holds configuration for the expiry sweep runner.
type SweeperConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	DryRun  bool   `yaml:"dry_run"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
