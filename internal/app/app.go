// Package app wires configuration, storage, federation plumbing and the
// HTTP server into a runnable node.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"em2/pkg/api/handlers"
	"em2/pkg/auth"
	"em2/pkg/cache"
	"em2/pkg/config"
	"em2/pkg/engine"
	"em2/pkg/fallback"
	"em2/pkg/logger"
	"em2/pkg/pusher"
	"em2/pkg/resolver"
	"em2/pkg/store"
	"em2/pkg/sweeper"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	addr    string
	version string

	store  store.Store
	cache  cache.Cache
	pusher *pusher.Pusher
	sweep  *sweeper.Sweeper
	deps   *handlers.Deps

	srv *http.Server
}

// New initializes all components but does not start serving; call Run to
// start the HTTP server and background jobs.
func New(cfg *config.Config, addr, version string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	pemBytes, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := auth.LoadPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	st, err := store.OpenPebble(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", cfg.Server.DBPath, err)
	}

	var c cache.Cache
	if cfg.Cache.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rc, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c = rc
	} else {
		c = cache.NewMemory()
	}

	dns := resolver.NetDNS{}
	res := resolver.New(dns, c, cfg.Platform.Domain,
		cfg.Cache.NodeTTL.Duration(), cfg.Cache.DNSTimeout.Duration())
	authn := auth.New(dns, c, auth.Config{
		LocalDomain:  cfg.Platform.Domain,
		Key:          key,
		TokenTTL:     cfg.Security.TokenTTL.Duration(),
		PastLenience: cfg.Security.PastLenience.Duration(),
		FutLenience:  cfg.Security.FutLenience.Duration(),
		MXCacheTTL:   cfg.Cache.MXTTL.Duration(),
	})

	var transport fallback.Transport
	if cfg.Fallback.Mode == "ses" {
		endpoint := "https://email." + cfg.Fallback.SES.Region + ".amazonaws.com"
		transport = fallback.NewSES(endpoint, cfg.Fallback.SES.Region,
			cfg.Fallback.SES.AccessKey, cfg.Fallback.SES.SecretKey, nil)
	} else {
		transport = fallback.LogTransport{}
	}
	fb := fallback.New(transport, cfg.Fallback.Sender)

	push := pusher.New(res, authn, c, fb, pusher.Config{
		LocalDomain: cfg.Platform.Domain,
		Scheme:      cfg.Push.Scheme,
		Timeout:     cfg.Push.Timeout.Duration(),
	})
	eng := engine.New(st, push)

	apiKeys := map[string]struct{}{}
	for _, k := range cfg.Security.APIKeys {
		apiKeys[k] = struct{}{}
	}
	var limiter *auth.LimiterPool
	if cfg.Security.RateLimit.RPS > 0 {
		limiter = auth.NewLimiterPool(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst)
	}
	deps := &handlers.Deps{
		Engine:  eng,
		Store:   st,
		Auth:    authn,
		Limiter: limiter,
		APIKeys: apiKeys,
		Domain:  cfg.Platform.Domain,
	}

	return &App{
		cfg:     cfg,
		addr:    addr,
		version: version,
		store:   st,
		cache:   c,
		pusher:  push,
		sweep:   sweeper.New(st, cfg.Sweeper),
		deps:    deps,
	}, nil
}

// Run starts background jobs and the HTTP server, blocking until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stopSweep, err := a.sweep.Start(ctx)
	if err != nil {
		return err
	}
	defer stopSweep()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutting_down")
		return a.shutdown()
	case err := <-errCh:
		return err
	}
}

func (a *App) shutdown() error {
	var firstErr error
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	a.pusher.Close()
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
