// Package handlers wires the HTTP surface to the engine. Two route groups
// exist: the foreign surface spoken between platforms (authenticate plus
// the conversation action endpoints) and the domestic surface used by
// local clients holding an API key.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"em2/pkg/auth"
	"em2/pkg/engine"
	"em2/pkg/models"
	"em2/pkg/store"
	"em2/pkg/utils"
)

// Deps holds the shared dependencies handlers operate on.
type Deps struct {
	Engine  *engine.Engine
	Store   store.Store
	Auth    *auth.Authenticator
	Limiter *auth.LimiterPool
	APIKeys map[string]struct{}
	Domain  string
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	utils.JSONError(w, models.CodeOf(err), err.Error())
}

// decodeBody reads an optional JSON object payload. An empty body yields an
// empty map.
func decodeBody(r *http.Request) (map[string]any, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
