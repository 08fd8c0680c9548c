package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterPool rate-limits authentication attempts per claimed platform so
// a misbehaving peer cannot hammer the DNS/signature path.
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{m: map[string]*rate.Limiter{}, rps: rps, burst: burst}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
