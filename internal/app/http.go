package app

import (
	"context"
	"errors"
	"net/http"

	"em2/pkg/api"
	"em2/pkg/banner"
	"em2/pkg/logger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	banner.Print(a.addr, a.cfg.Platform.Domain, a.cfg.Server.DBPath, a.version)
}

// startHTTP builds the router and starts the listener; fatal errors arrive
// on the returned channel.
func (a *App) startHTTP(_ context.Context) <-chan error {
	a.printBanner()

	handler := api.NewRouter(a.deps, api.Options{
		MaxBodyBytes: a.cfg.Server.MaxBodySize.Int64(),
	})
	a.srv = &http.Server{Addr: a.addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.Server.TLS.CertFile != "" && a.cfg.Server.TLS.KeyFile != "" {
			logger.Info("https_listening", "addr", a.addr)
			err = a.srv.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		} else {
			logger.Info("http_listening", "addr", a.addr)
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}
