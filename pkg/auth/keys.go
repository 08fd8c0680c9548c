package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

const txtKeyPrefix = "v=em2key"

// platformKey fetches a platform's RSA public key from its DNS TXT records.
// The key may be split across several TXT fragments: collection starts at
// the fragment carrying the v=em2key prefix and continues until a fragment
// ending in "=" (the base64 padding) is seen.
func (a *Authenticator) platformKey(ctx context.Context, domain string) (*rsa.PublicKey, error) {
	if v, err := a.cache.Get(ctx, "pubkey:"+domain); err == nil {
		if pub, err := parsePublicKeyB64(v); err == nil {
			return pub, nil
		}
	}

	records, err := a.dns.LookupTXT(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("txt lookup %s: %w", domain, err)
	}
	b64, err := extractKeyFragments(records)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKeyB64(b64)
	if err != nil {
		return nil, err
	}
	_ = a.cache.SetWithExpiry(ctx, "pubkey:"+domain, b64, a.mxCacheTTL)
	return pub, nil
}

func extractKeyFragments(records []string) (string, error) {
	var sb strings.Builder
	collecting := false
	for _, rec := range records {
		if !collecting {
			if !strings.HasPrefix(rec, txtKeyPrefix) {
				continue
			}
			collecting = true
			rec = strings.TrimSpace(strings.TrimPrefix(rec, txtKeyPrefix))
			rec = strings.TrimSpace(strings.TrimPrefix(rec, "p="))
		}
		rec = strings.TrimSpace(rec)
		sb.WriteString(rec)
		if strings.HasSuffix(rec, "=") {
			break
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no %s TXT record found", txtKeyPrefix)
	}
	return sb.String(), nil
}

func parsePublicKeyB64(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("public key not base64: %w", err)
	}
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("public key parse: %w", err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pub, nil
}

// LoadPrivateKey parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func LoadPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key parse: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rk, nil
}

// PublicKeyTXT renders the local public key as the TXT record value other
// platforms expect to find in DNS.
func (a *Authenticator) PublicKeyTXT() (string, error) {
	if a.key == nil {
		return "", fmt.Errorf("no private signing key configured")
	}
	der, err := x509.MarshalPKIXPublicKey(&a.key.PublicKey)
	if err != nil {
		return "", err
	}
	return txtKeyPrefix + " p=" + base64.StdEncoding.EncodeToString(der), nil
}
