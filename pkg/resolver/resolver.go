// Package resolver decides which platform serves a domain: the local node,
// a remote em2 node found through MX records, or SMTP fallback when no
// em2-capable host can be determined. Results are cached with a TTL so a
// push fan-out does not repeat DNS round trips per participant.
package resolver

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"em2/pkg/cache"
	"em2/pkg/logger"
	"em2/pkg/models"
	"em2/pkg/telemetry"
)

// NodeRef identifies where actions for a domain should be delivered.
// It is either Local, Fallback, or a remote node host name.
type NodeRef string

const (
	Local    NodeRef = "local"
	Fallback NodeRef = "fallback"
)

// IsRemote reports whether the ref names a remote em2 node.
func (n NodeRef) IsRemote() bool { return n != Local && n != Fallback }

// DNS is the black-box record query service backing resolution.
type DNS interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// NetDNS adapts net.Resolver to the DNS interface.
type NetDNS struct {
	R *net.Resolver
}

func (d NetDNS) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return d.resolver().LookupMX(ctx, domain)
}

func (d NetDNS) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return d.resolver().LookupTXT(ctx, name)
}

func (d NetDNS) resolver() *net.Resolver {
	if d.R != nil {
		return d.R
	}
	return net.DefaultResolver
}

type Resolver struct {
	dns         DNS
	cache       cache.Cache
	localDomain string
	ttl         time.Duration
	timeout     time.Duration
}

func New(dns DNS, c cache.Cache, localDomain string, ttl, timeout time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{dns: dns, cache: c, localDomain: strings.ToLower(localDomain), ttl: ttl, timeout: timeout}
}

// GetNode resolves the node for one domain. DNS failures are swallowed and
// degrade to Fallback; resolution never aborts a push.
func (r *Resolver) GetNode(ctx context.Context, domain string) NodeRef {
	domain = strings.ToLower(domain)
	if v, err := r.cache.Get(ctx, "node:"+domain); err == nil {
		telemetry.DNSCacheHits.Inc()
		return NodeRef(v)
	}

	node := r.resolve(ctx, domain)
	telemetry.NodeResolutions.WithLabelValues(resultLabel(node)).Inc()
	if err := r.cache.SetWithExpiry(ctx, "node:"+domain, string(node), r.ttl); err != nil {
		logger.Warn("node_cache_set_failed", "domain", domain, "err", err)
	}
	return node
}

func (r *Resolver) resolve(ctx context.Context, domain string) NodeRef {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.dns.LookupMX(ctx, domain)
	if err != nil {
		// treated as "no MX records", not an error
		logger.Debug("mx_lookup_failed", "domain", domain, "err", err)
		return Fallback
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })

	for _, mx := range records {
		host := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
		if host == r.localDomain {
			return Local
		}
		if r.isEm2Node(ctx, host) {
			return NodeRef(host)
		}
	}
	return Fallback
}

// isEm2Node probes whether a host advertises an em2 public key in TXT.
func (r *Resolver) isEm2Node(ctx context.Context, host string) bool {
	records, err := r.dns.LookupTXT(ctx, host)
	if err != nil {
		return false
	}
	for _, rec := range records {
		if strings.HasPrefix(rec, "v=em2key") {
			return true
		}
	}
	return false
}

// GetNodes resolves every address, deduplicating by domain. The returned
// map is keyed by domain.
func (r *Resolver) GetNodes(ctx context.Context, addresses ...string) map[string]NodeRef {
	out := make(map[string]NodeRef)
	for _, addr := range addresses {
		domain := models.AddressDomain(addr)
		if domain == "" {
			continue
		}
		if _, ok := out[domain]; ok {
			continue
		}
		out[domain] = r.GetNode(ctx, domain)
	}
	return out
}

func resultLabel(n NodeRef) string {
	switch n {
	case Local:
		return "local"
	case Fallback:
		return "fallback"
	}
	return "remote"
}
