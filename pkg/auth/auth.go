// Package auth proves and verifies platform identity. A platform signs
// "{domain}:{timestamp}" with its private key; the public key is published
// in DNS TXT records under a v=em2key prefix. Successful authentication
// issues a short-lived bearer token cached until expiry.
package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"em2/pkg/cache"
	"em2/pkg/logger"
	"em2/pkg/models"
	"em2/pkg/resolver"
)

const (
	tokenPrefix = "platform-token:"
	mxPrefix    = "mx:"
)

type Authenticator struct {
	dns   resolver.DNS
	cache cache.Cache

	localDomain string
	key         *rsa.PrivateKey

	tokenTTL     time.Duration
	pastLenience time.Duration
	futLenience  time.Duration
	mxCacheTTL   time.Duration

	now func() time.Time
}

type Config struct {
	LocalDomain  string
	Key          *rsa.PrivateKey
	TokenTTL     time.Duration // default 24h
	PastLenience time.Duration // default 10s
	FutLenience  time.Duration // default 1s
	MXCacheTTL   time.Duration // default 2h
}

func New(dns resolver.DNS, c cache.Cache, cfg Config) *Authenticator {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.PastLenience <= 0 {
		cfg.PastLenience = 10 * time.Second
	}
	if cfg.FutLenience <= 0 {
		cfg.FutLenience = time.Second
	}
	if cfg.MXCacheTTL <= 0 {
		cfg.MXCacheTTL = 2 * time.Hour
	}
	return &Authenticator{
		dns:          dns,
		cache:        c,
		localDomain:  strings.ToLower(cfg.LocalDomain),
		key:          cfg.Key,
		tokenTTL:     cfg.TokenTTL,
		pastLenience: cfg.PastLenience,
		futLenience:  cfg.FutLenience,
		mxCacheTTL:   cfg.MXCacheTTL,
		now:          time.Now,
	}
}

// SetClock overrides the clock (tests).
func (a *Authenticator) SetClock(now func() time.Time) { a.now = now }

// AuthenticatePlatform verifies a remote platform's signed timestamp and
// issues a bearer token of form "{domain}:{expiry_unix}:{random}".
func (a *Authenticator) AuthenticatePlatform(ctx context.Context, platform string, ts int64, signatureB64 string) (string, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return "", fmt.Errorf("platform missing: %w", models.ErrFailedAuthentication)
	}

	now := a.now()
	t := time.Unix(ts, 0)
	if t.Before(now.Add(-a.pastLenience)) || t.After(now.Add(a.futLenience)) {
		return "", fmt.Errorf("timestamp %d outside leniency window: %w", ts, models.ErrFailedAuthentication)
	}

	pub, err := a.platformKey(ctx, platform)
	if err != nil {
		return "", fmt.Errorf("no public key for %s: %w", platform, models.ErrFailedAuthentication)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return "", fmt.Errorf("signature not base64: %w", models.ErrFailedAuthentication)
	}
	digest := signedDigest(platform, ts)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return "", fmt.Errorf("signature invalid for %s: %w", platform, models.ErrFailedAuthentication)
	}

	expiry := now.Add(a.tokenTTL)
	token := fmt.Sprintf("%s:%d:%s", platform, expiry.Unix(), strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err := a.cache.SetWithExpiry(ctx, tokenPrefix+token, platform, a.tokenTTL); err != nil {
		return "", fmt.Errorf("token store: %w", err)
	}
	logger.Info("platform_authenticated", "platform", platform, "expiry", expiry.Unix())
	return token, nil
}

// ValidatePlatformToken returns the platform domain a live token belongs to.
func (a *Authenticator) ValidatePlatformToken(ctx context.Context, token string) (string, error) {
	domain, err := a.cache.Get(ctx, tokenPrefix+token)
	if err != nil {
		return "", fmt.Errorf("token unknown or expired: %w", models.ErrPlatformForbidden)
	}
	return domain, nil
}

// CheckDomainPlatform verifies via MX that participantDomain is actually
// served by platformDomain, preventing a platform from forging actions on
// behalf of addresses it does not host.
func (a *Authenticator) CheckDomainPlatform(ctx context.Context, participantDomain, platformDomain string) error {
	participantDomain = strings.ToLower(participantDomain)
	platformDomain = strings.ToLower(platformDomain)

	hosts, err := a.mxHosts(ctx, participantDomain)
	if err != nil {
		return fmt.Errorf("mx lookup for %s failed: %w", participantDomain, models.ErrDomainPlatformMismatch)
	}
	for _, h := range hosts {
		if h == platformDomain {
			return nil
		}
	}
	return fmt.Errorf("%s is not served by %s: %w", participantDomain, platformDomain, models.ErrDomainPlatformMismatch)
}

func (a *Authenticator) mxHosts(ctx context.Context, domain string) ([]string, error) {
	if v, err := a.cache.Get(ctx, mxPrefix+domain); err == nil {
		var hosts []string
		if json.Unmarshal([]byte(v), &hosts) == nil {
			return hosts, nil
		}
	}
	records, err := a.dns.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		hosts = append(hosts, strings.ToLower(strings.TrimSuffix(mx.Host, ".")))
	}
	if data, err := json.Marshal(hosts); err == nil {
		_ = a.cache.SetWithExpiry(ctx, mxPrefix+domain, string(data), a.mxCacheTTL)
	}
	return hosts, nil
}

// AuthData is the outbound handshake presented to a remote node.
type AuthData struct {
	Platform  string
	Timestamp int64
	Signature string
}

// GetAuthData signs "{local_domain}:{now}" for presentation to remote nodes.
func (a *Authenticator) GetAuthData() (AuthData, error) {
	if a.key == nil {
		return AuthData{}, fmt.Errorf("no private signing key configured")
	}
	ts := a.now().Unix()
	digest := signedDigest(a.localDomain, ts)
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, digest[:])
	if err != nil {
		return AuthData{}, fmt.Errorf("sign: %w", err)
	}
	return AuthData{
		Platform:  a.localDomain,
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func signedDigest(domain string, ts int64) [sha256.Size]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s:%d", domain, ts)))
}
