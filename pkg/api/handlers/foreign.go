package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"em2/pkg/models"
	"em2/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterForeign registers the action endpoints remote platforms push to.
// Conversation ids are 64 hex chars, which keeps the wildcard routes from
// shadowing the fixed paths.
func RegisterForeign(r *mux.Router, d *Deps) {
	r.HandleFunc("/{conv:[0-9a-f]{64}}/{component}/{verb}", d.foreignAction).Methods(http.MethodPost)
	r.HandleFunc("/{conv:[0-9a-f]{64}}/{component}/{verb}/{item}", d.foreignAction).Methods(http.MethodPost)
}

// foreignAction handles POST /{conv}/{component}/{verb}[/{item}]. The
// caller must hold a session token from /authenticate and may only act for
// addresses whose mail domain it serves.
func (d *Deps) foreignAction(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("em2-auth"))
	if token == "" {
		utils.JSONError(w, http.StatusForbidden, "em2-auth header is required")
		return
	}
	platformDomain, err := d.Auth.ValidatePlatformToken(r.Context(), token)
	if err != nil {
		writeErr(w, err)
		return
	}

	actor := strings.TrimSpace(r.Header.Get("em2-actor"))
	if actor == "" {
		utils.JSONError(w, http.StatusBadRequest, "em2-actor header is required")
		return
	}
	if err := d.Auth.CheckDomainPlatform(r.Context(), models.AddressDomain(actor), platformDomain); err != nil {
		writeErr(w, err)
		return
	}

	tsRaw := strings.TrimSpace(r.Header.Get("em2-timestamp"))
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		writeErr(w, fmt.Errorf("invalid em2-timestamp %q: %w", tsRaw, models.ErrBadData))
		return
	}
	eventID := strings.TrimSpace(r.Header.Get("em2-event-id"))
	if eventID == "" {
		writeErr(w, fmt.Errorf("em2-event-id header is required: %w", models.ErrBadData))
		return
	}

	body, err := decodeBody(r)
	if err != nil {
		writeErr(w, fmt.Errorf("invalid json payload: %w", models.ErrMisshapedData))
		return
	}

	vars := mux.Vars(r)
	action := &models.Action{
		Actor:         actor,
		Conv:          vars["conv"],
		Verb:          models.Verb(vars["verb"]),
		Component:     models.Component(vars["component"]),
		Item:          vars["item"],
		Timestamp:     ts,
		EventID:       eventID,
		ParentEventID: strings.TrimSpace(r.Header.Get("em2-parent-event-id")),
		Body:          body,
	}
	res, err := d.Engine.Apply(r.Context(), action)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, res)
}
