package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesScalarTypes(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 127.0.0.1
  port: 9000
  max_body_size: 2MB
platform:
  domain: a.com
  private_key_file: /etc/em2/key.pem
security:
  token_ttl: 1h
  past_lenience: 30
  api_keys: [k1, k2]
push:
  timeout: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Addr(); got != "127.0.0.1:9000" {
		t.Fatalf("addr = %q", got)
	}
	if cfg.Server.MaxBodySize.Int64() != 2*1000*1000 {
		t.Fatalf("max_body_size = %d", cfg.Server.MaxBodySize.Int64())
	}
	if cfg.Security.TokenTTL.Duration() != time.Hour {
		t.Fatalf("token_ttl = %v", cfg.Security.TokenTTL.Duration())
	}
	// bare numbers are seconds
	if cfg.Security.PastLenience.Duration() != 30*time.Second {
		t.Fatalf("past_lenience = %v", cfg.Security.PastLenience.Duration())
	}
	if cfg.Push.Timeout.Duration() != 5*time.Second {
		t.Fatalf("push timeout = %v", cfg.Push.Timeout.Duration())
	}
	if len(cfg.Security.APIKeys) != 2 {
		t.Fatalf("api_keys = %v", cfg.Security.APIKeys)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "platform:\n  domain: a.com\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:5458" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.Security.TokenTTL.Duration() != 24*time.Hour {
		t.Fatalf("token_ttl = %v", cfg.Security.TokenTTL.Duration())
	}
	if cfg.Security.PastLenience.Duration() != 10*time.Second {
		t.Fatalf("past_lenience = %v", cfg.Security.PastLenience.Duration())
	}
	if cfg.Cache.MXTTL.Duration() != 2*time.Hour {
		t.Fatalf("mx_ttl = %v", cfg.Cache.MXTTL.Duration())
	}
	if cfg.Server.DBPath != "./.database" {
		t.Fatalf("db_path = %q", cfg.Server.DBPath)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "security:\n  token_ttl: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing domain to fail")
	}
	cfg.Platform.Domain = "a.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing key to fail")
	}
	cfg.Platform.PrivateKeyPEM = "pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Fallback.Mode = "ses"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected incomplete ses settings to fail")
	}
	cfg.Fallback.SES.Region = "eu-west-1"
	cfg.Fallback.SES.AccessKey = "ak"
	cfg.Fallback.SES.SecretKey = "sk"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate ses: %v", err)
	}
	cfg.Fallback.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown fallback mode to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EM2_ADDR", "10.0.0.1:6000")
	t.Setenv("EM2_DOMAIN", "b.com")
	t.Setenv("EM2_API_KEYS", "k1, k2 ,k3")
	t.Setenv("EM2_RATE_RPS", "2.5")
	t.Setenv("EM2_FALLBACK_MODE", "log")

	cfg := &Config{}
	cfg.applyDefaults()
	if !LoadEnvOverrides(cfg) {
		t.Fatal("expected env overrides to be reported")
	}
	if cfg.Addr() != "10.0.0.1:6000" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.Platform.Domain != "b.com" {
		t.Fatalf("domain = %q", cfg.Platform.Domain)
	}
	if len(cfg.Security.APIKeys) != 3 || cfg.Security.APIKeys[1] != "k2" {
		t.Fatalf("api_keys = %v", cfg.Security.APIKeys)
	}
	if cfg.Security.RateLimit.RPS != 2.5 {
		t.Fatalf("rps = %v", cfg.Security.RateLimit.RPS)
	}
	if cfg.Fallback.Mode != "log" {
		t.Fatalf("fallback mode = %q", cfg.Fallback.Mode)
	}
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	t.Setenv("EM2_DOMAIN", "c.com")
	cfg, envUsed := LoadEffective(filepath.Join(t.TempDir(), "missing.yaml"))
	if !envUsed {
		t.Fatal("expected env to be used")
	}
	if cfg.Platform.Domain != "c.com" {
		t.Fatalf("domain = %q", cfg.Platform.Domain)
	}
	if cfg.Security.TokenTTL.Duration() != 24*time.Hour {
		t.Fatalf("defaults not applied: %v", cfg.Security.TokenTTL.Duration())
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("EM2_CONFIG", "/etc/em2/config.yaml")
	if got := ResolveConfigPath("./flag.yaml", true); got != "./flag.yaml" {
		t.Fatalf("flag should win: %q", got)
	}
	if got := ResolveConfigPath("./default.yaml", false); got != "/etc/em2/config.yaml" {
		t.Fatalf("env should win over default: %q", got)
	}
}

func TestPrivateKeyPEMFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("pem-bytes"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfg := &Config{}
	cfg.Platform.PrivateKeyFile = path
	b, err := cfg.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	if string(b) != "pem-bytes" {
		t.Fatalf("key = %q", b)
	}
	cfg.Platform.PrivateKeyPEM = "inline"
	if b, _ := cfg.PrivateKeyPEM(); string(b) != "inline" {
		t.Fatalf("inline key = %q", b)
	}
}
