package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"em2/pkg/cache"
)

// fakeDNS serves canned MX and TXT records and counts queries.
type fakeDNS struct {
	mu  sync.Mutex
	mx  map[string][]*net.MX
	txt map[string][]string

	mxQueries int
}

func (d *fakeDNS) LookupMX(_ context.Context, domain string) ([]*net.MX, error) {
	d.mu.Lock()
	d.mxQueries++
	d.mu.Unlock()
	recs, ok := d.mx[domain]
	if !ok {
		return nil, errors.New("no such host")
	}
	return recs, nil
}

func (d *fakeDNS) LookupTXT(_ context.Context, name string) ([]string, error) {
	recs, ok := d.txt[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return recs, nil
}

func (d *fakeDNS) queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mxQueries
}

func newTestResolver(d *fakeDNS) *Resolver {
	return New(d, cache.NewMemory(), "local.example", time.Hour, time.Second)
}

func TestGetNodeLocal(t *testing.T) {
	d := &fakeDNS{mx: map[string][]*net.MX{
		"a.com": {{Host: "local.example.", Pref: 10}},
	}}
	r := newTestResolver(d)
	if got := r.GetNode(context.Background(), "a.com"); got != Local {
		t.Fatalf("expected local, got %q", got)
	}
}

func TestGetNodeRemote(t *testing.T) {
	d := &fakeDNS{
		mx: map[string][]*net.MX{
			"b.com": {{Host: "mx2.b.com.", Pref: 20}, {Host: "mx1.b.com.", Pref: 10}},
		},
		txt: map[string][]string{
			"mx1.b.com": {"v=em2key p=abc="},
		},
	}
	r := newTestResolver(d)
	got := r.GetNode(context.Background(), "b.com")
	if got != NodeRef("mx1.b.com") {
		t.Fatalf("expected mx1.b.com (lowest pref first), got %q", got)
	}
	if !got.IsRemote() {
		t.Fatalf("remote node not reported as remote")
	}
}

func TestGetNodeFallback(t *testing.T) {
	d := &fakeDNS{
		mx: map[string][]*net.MX{
			"plain.com": {{Host: "mail.plain.com.", Pref: 10}},
		},
	}
	r := newTestResolver(d)
	// MX exists but no em2 key in TXT
	if got := r.GetNode(context.Background(), "plain.com"); got != Fallback {
		t.Fatalf("expected fallback, got %q", got)
	}
	// DNS failure degrades to fallback too
	if got := r.GetNode(context.Background(), "nxdomain.test"); got != Fallback {
		t.Fatalf("expected fallback on dns error, got %q", got)
	}
}

func TestGetNodeCaches(t *testing.T) {
	d := &fakeDNS{mx: map[string][]*net.MX{
		"a.com": {{Host: "local.example.", Pref: 10}},
	}}
	r := newTestResolver(d)
	ctx := context.Background()

	r.GetNode(ctx, "a.com")
	r.GetNode(ctx, "a.com")
	r.GetNode(ctx, "A.COM")
	if q := d.queries(); q != 1 {
		t.Fatalf("expected a single MX query, got %d", q)
	}
}

func TestGetNodesDedupesByDomain(t *testing.T) {
	d := &fakeDNS{mx: map[string][]*net.MX{
		"a.com": {{Host: "local.example.", Pref: 10}},
	}}
	r := newTestResolver(d)

	nodes := r.GetNodes(context.Background(), "x@a.com", "y@a.com", "z@nxdomain.test", "bare-address")
	if len(nodes) != 2 {
		t.Fatalf("expected 2 domains, got %d: %v", len(nodes), nodes)
	}
	if nodes["a.com"] != Local || nodes["nxdomain.test"] != Fallback {
		t.Fatalf("unexpected resolution: %v", nodes)
	}
	if q := d.queries(); q != 2 {
		t.Fatalf("expected 2 MX queries, got %d", q)
	}
}
