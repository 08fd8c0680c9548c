package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 5458
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Validate checks settings without which the node cannot participate in
// the federation.
func (c *Config) Validate() error {
	if c.Platform.Domain == "" {
		return fmt.Errorf("platform.domain is required")
	}
	if c.Platform.PrivateKeyFile == "" && c.Platform.PrivateKeyPEM == "" {
		return fmt.Errorf("platform private key is required (private_key_file or private_key_pem)")
	}
	switch c.Fallback.Mode {
	case "", "log":
	case "ses":
		if c.Fallback.SES.Region == "" || c.Fallback.SES.AccessKey == "" || c.Fallback.SES.SecretKey == "" {
			return fmt.Errorf("fallback.ses requires region, access_key and secret_key")
		}
	default:
		return fmt.Errorf("unknown fallback.mode: %q", c.Fallback.Mode)
	}
	return nil
}

// PrivateKeyPEM returns the configured key material, reading the key file
// when no inline PEM is set.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.Platform.PrivateKeyPEM != "" {
		return []byte(c.Platform.PrivateKeyPEM), nil
	}
	return os.ReadFile(c.Platform.PrivateKeyFile)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Security.TokenTTL == 0 {
		c.Security.TokenTTL = Duration(24 * time.Hour)
	}
	if c.Security.PastLenience == 0 {
		c.Security.PastLenience = Duration(10 * time.Second)
	}
	if c.Security.FutLenience == 0 {
		c.Security.FutLenience = Duration(time.Second)
	}
	if c.Cache.NodeTTL == 0 {
		c.Cache.NodeTTL = Duration(time.Hour)
	}
	if c.Cache.MXTTL == 0 {
		c.Cache.MXTTL = Duration(2 * time.Hour)
	}
	if c.Cache.PubkeyTTL == 0 {
		c.Cache.PubkeyTTL = Duration(time.Hour)
	}
	if c.Cache.DNSTimeout == 0 {
		c.Cache.DNSTimeout = Duration(5 * time.Second)
	}
	if c.Push.Timeout == 0 {
		c.Push.Timeout = Duration(10 * time.Second)
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "./.database"
	}
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":5458", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("EM2_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("EM2_DB_PATH"); v != "" {
		envUsed = true
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("EM2_DOMAIN"); v != "" {
		envUsed = true
		cfg.Platform.Domain = v
	}
	if v := os.Getenv("EM2_PRIVATE_KEY_FILE"); v != "" {
		envUsed = true
		cfg.Platform.PrivateKeyFile = v
	}
	if v := os.Getenv("EM2_PRIVATE_KEY_PEM"); v != "" {
		envUsed = true
		cfg.Platform.PrivateKeyPEM = v
	}
	if v := os.Getenv("EM2_API_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys = parseList(v)
	}
	if v := os.Getenv("EM2_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("EM2_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("EM2_REDIS_URL"); v != "" {
		envUsed = true
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("EM2_FALLBACK_MODE"); v != "" {
		envUsed = true
		cfg.Fallback.Mode = v
	}
	if v := os.Getenv("EM2_SES_ACCESS_KEY"); v != "" {
		envUsed = true
		cfg.Fallback.SES.AccessKey = v
	}
	if v := os.Getenv("EM2_SES_SECRET_KEY"); v != "" {
		envUsed = true
		cfg.Fallback.SES.SecretKey = v
	}
	if v := os.Getenv("EM2_SES_REGION"); v != "" {
		envUsed = true
		cfg.Fallback.SES.Region = v
	}
	if c := os.Getenv("EM2_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("EM2_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides. A missing file yields an empty config so env-only deployments
// still work.
func LoadEffective(path string) (*Config, bool) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `EM2_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("EM2_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
