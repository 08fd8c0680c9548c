// Package pusher propagates applied actions to remote platforms. Delivery
// is best-effort: a push failure is logged and counted, never surfaced to
// the caller whose action already committed. Pushes for one conversation
// are drained in emission order so remote parent-event checks line up;
// fan-out across nodes within one action runs concurrently.
package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"em2/pkg/auth"
	"em2/pkg/cache"
	"em2/pkg/engine"
	"em2/pkg/fallback"
	"em2/pkg/hashid"
	"em2/pkg/logger"
	"em2/pkg/models"
	"em2/pkg/resolver"
	"em2/pkg/telemetry"
)

const (
	tokenKeyPrefix = "node-token:"
	// refresh tokens slightly before they expire
	tokenExpiryMargin = 30 * time.Second
	queueDepth        = 256
)

type Config struct {
	LocalDomain string
	Scheme      string // "https" unless overridden for tests
	Timeout     time.Duration
}

type Pusher struct {
	resolver *resolver.Resolver
	auth     *auth.Authenticator
	cache    cache.Cache
	fb       *fallback.Handler
	client   *http.Client
	cfg      Config

	mu     sync.Mutex
	queues map[string]chan engine.Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(r *resolver.Resolver, a *auth.Authenticator, c cache.Cache, fb *fallback.Handler, cfg Config) *Pusher {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{
		resolver: r,
		auth:     a,
		cache:    c,
		fb:       fb,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		queues:   map[string]chan engine.Job{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Propagate enqueues the job on the conversation's ordered queue. The queue
// worker is started lazily per conversation. The send happens under the
// mutex so it cannot race the channel close in Close.
func (p *Pusher) Propagate(_ context.Context, job engine.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return fmt.Errorf("pusher closed: %w", models.ErrPush)
	}
	q, ok := p.queues[job.Conv]
	if !ok {
		q = make(chan engine.Job, queueDepth)
		p.queues[job.Conv] = q
		p.wg.Add(1)
		go p.worker(q)
	}

	select {
	case q <- job:
		return nil
	default:
		telemetry.Pushes.WithLabelValues("dropped").Inc()
		return fmt.Errorf("conversation push queue full: %w", models.ErrPush)
	}
}

// Close stops accepting jobs and waits for queued deliveries to drain.
func (p *Pusher) Close() {
	p.mu.Lock()
	p.cancel()
	for _, q := range p.queues {
		close(q)
	}
	p.queues = map[string]chan engine.Job{}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pusher) worker(q chan engine.Job) {
	defer p.wg.Done()
	for job := range q {
		p.deliver(job)
	}
}

func (p *Pusher) deliver(job engine.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*p.cfg.Timeout)
	defer cancel()

	addresses := make([]string, 0, len(job.Participants))
	for _, part := range job.Participants {
		addresses = append(addresses, part.Address)
	}
	nodes := p.resolver.GetNodes(ctx, addresses...)

	remote := map[resolver.NodeRef]bool{}
	var fbAddrs []string
	for _, addr := range addresses {
		switch node := nodes[models.AddressDomain(addr)]; node {
		case resolver.Local:
			// already applied here
		case resolver.Fallback:
			fbAddrs = append(fbAddrs, addr)
		default:
			remote[node] = true
		}
	}

	var wg sync.WaitGroup
	for node := range remote {
		wg.Add(1)
		go func(node resolver.NodeRef) {
			defer wg.Done()
			if err := p.pushToNode(ctx, node, job); err != nil {
				telemetry.Pushes.WithLabelValues("error").Inc()
				logger.Warn("push_failed", "node", string(node), "conv", job.Conv, "event", job.EventID, "err", err)
				return
			}
			telemetry.Pushes.WithLabelValues("ok").Inc()
		}(node)
	}
	wg.Wait()

	if len(fbAddrs) > 0 {
		if err := p.fb.Push(ctx, job.Component, job.Verb, job.Actor, fbAddrs, job.Subject, job.Payload); err != nil {
			logger.Warn("fallback_push_failed", "conv", job.Conv, "event", job.EventID, "err", err)
		}
	}
}

func (p *Pusher) pushToNode(ctx context.Context, node resolver.NodeRef, job engine.Job) error {
	token, err := p.token(ctx, node)
	if err != nil {
		return err
	}
	status, err := p.post(ctx, node, token, job)
	if err != nil {
		return err
	}
	if status == http.StatusForbidden {
		// token may have expired remotely; refresh once
		_ = p.cache.Delete(ctx, tokenKeyPrefix+string(node))
		token, err = p.token(ctx, node)
		if err != nil {
			return err
		}
		status, err = p.post(ctx, node, token, job)
		if err != nil {
			return err
		}
	}
	if status != http.StatusCreated {
		return fmt.Errorf("node responded %d: %w", status, models.ErrPush)
	}
	return nil
}

func (p *Pusher) post(ctx context.Context, node resolver.NodeRef, token string, job engine.Job) (int, error) {
	url := fmt.Sprintf("%s://%s/%s/%s/%s", p.cfg.Scheme, node, job.Conv, job.Component, job.Verb)
	if job.Item != "" {
		url += "/" + job.Item
	}
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("em2-auth", token)
	req.Header.Set("em2-actor", job.Actor)
	req.Header.Set("em2-timestamp", hashid.TS(job.Timestamp))
	req.Header.Set("em2-event-id", job.EventID)
	if job.ParentEventID != "" {
		req.Header.Set("em2-parent-event-id", job.ParentEventID)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, models.ErrPush)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// token returns a live auth token for the node, performing the outbound
// handshake when the cache has none.
func (p *Pusher) token(ctx context.Context, node resolver.NodeRef) (string, error) {
	key := tokenKeyPrefix + string(node)
	if tok, err := p.cache.Get(ctx, key); err == nil {
		return tok, nil
	}

	ad, err := p.auth.GetAuthData()
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s://%s/authenticate", p.cfg.Scheme, node)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("platform", ad.Platform)
	req.Header.Set("timestamp", strconv.FormatInt(ad.Timestamp, 10))
	req.Header.Set("signature", ad.Signature)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticate with %s: %v: %w", node, err, models.ErrPush)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authenticate with %s responded %d: %w", node, resp.StatusCode, models.ErrPush)
	}
	token := resp.Header.Get("em2-key")
	if token == "" {
		return "", fmt.Errorf("authenticate response missing em2-key: %w", models.ErrPush)
	}

	ttl := tokenTTL(token)
	if ttl > 0 {
		_ = p.cache.SetWithExpiry(ctx, key, token, ttl)
	}
	return token, nil
}

// tokenTTL derives the cache lifetime from the token's embedded expiry,
// minus a refresh margin.
func tokenTTL(token string) time.Duration {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return 0
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return time.Until(time.Unix(exp, 0)) - tokenExpiryMargin
}
