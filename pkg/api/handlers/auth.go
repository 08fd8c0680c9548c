package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"em2/pkg/logger"
	"em2/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterAuth registers the inter-platform handshake endpoint.
func RegisterAuth(r *mux.Router, d *Deps) {
	r.HandleFunc("/authenticate", d.authenticate).Methods(http.MethodPost)
}

// authenticate handles POST /authenticate. The caller presents its domain,
// a unix timestamp and a base64 RSA signature over "{domain}:{timestamp}";
// on success a session token is returned in the em2-key header.
func (d *Deps) authenticate(w http.ResponseWriter, r *http.Request) {
	platform := strings.TrimSpace(r.Header.Get("platform"))
	tsRaw := strings.TrimSpace(r.Header.Get("timestamp"))
	sig := strings.TrimSpace(r.Header.Get("signature"))
	if platform == "" || tsRaw == "" || sig == "" {
		utils.JSONError(w, http.StatusBadRequest, "platform, timestamp and signature headers are required")
		return
	}
	if d.Limiter != nil && !d.Limiter.Allow(platform) {
		utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}

	token, err := d.Auth.AuthenticatePlatform(r.Context(), platform, ts, sig)
	if err != nil {
		logger.Warn("authenticate_failed", "platform", platform, "err", err)
		writeErr(w, err)
		return
	}
	w.Header().Set("em2-key", token)
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{"key": token})
}
