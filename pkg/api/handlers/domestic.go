package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"em2/pkg/models"
	"em2/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterDomestic registers the endpoints local clients use. All of them
// require a configured API key.
func RegisterDomestic(r *mux.Router, d *Deps) {
	r.HandleFunc("/conversations", d.requireKey(d.createConversation)).Methods(http.MethodPost)
	r.HandleFunc("/conversations", d.requireKey(d.listConversations)).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conv}", d.requireKey(d.getConversation)).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conv}/{component}/{verb}", d.requireKey(d.localAction)).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{conv}/{component}/{verb}/{item}", d.requireKey(d.localAction)).Methods(http.MethodPost)
}

func (d *Deps) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("em2-api-key"))
		if _, ok := d.APIKeys[key]; !ok || key == "" {
			utils.JSONError(w, http.StatusUnauthorized, "valid em2-api-key header is required")
			return
		}
		next(w, r)
	}
}

// localActor resolves the acting address for a domestic request and checks
// it belongs to this platform.
func (d *Deps) localActor(r *http.Request, body map[string]any) (string, error) {
	actor := strings.TrimSpace(r.Header.Get("em2-actor"))
	if actor == "" {
		if v, ok := body["actor"].(string); ok {
			actor = strings.TrimSpace(v)
		}
	}
	if actor == "" {
		return "", fmt.Errorf("actor is required: %w", models.ErrBadData)
	}
	if models.AddressDomain(actor) != d.Domain {
		return "", fmt.Errorf("actor %q is not served by this platform: %w", actor, models.ErrDomainPlatformMismatch)
	}
	return actor, nil
}

// createConversation handles POST /conversations: a new local draft with
// the actor as sole participant. The payload carries subject, optional ref,
// expiration and first message body.
func (d *Deps) createConversation(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeErr(w, fmt.Errorf("invalid json payload: %w", models.ErrMisshapedData))
		return
	}
	actor, err := d.localActor(r, body)
	if err != nil {
		writeErr(w, err)
		return
	}
	delete(body, "actor")

	res, err := d.Engine.Apply(r.Context(), &models.Action{
		Actor:     actor,
		Verb:      models.VerbAdd,
		Component: models.CompConversations,
		Body:      body,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, res)
}

// localAction handles POST /conversations/{conv}/{component}/{verb}[/{item}]
// for an actor on this platform.
func (d *Deps) localAction(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeErr(w, fmt.Errorf("invalid json payload: %w", models.ErrMisshapedData))
		return
	}
	actor, err := d.localActor(r, body)
	if err != nil {
		writeErr(w, err)
		return
	}
	delete(body, "actor")

	vars := mux.Vars(r)
	res, err := d.Engine.Apply(r.Context(), &models.Action{
		Actor:     actor,
		Conv:      vars["conv"],
		Verb:      models.Verb(vars["verb"]),
		Component: models.Component(vars["component"]),
		Item:      vars["item"],
		Body:      body,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, res)
}

func (d *Deps) listConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := d.Store.ListConversationIDs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"conversations": ids})
}

// getConversation handles GET /conversations/{conv}: the full local view of
// one conversation.
func (d *Deps) getConversation(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	core, err := d.Store.GetConversation(r.Context(), conv)
	if err != nil {
		writeErr(w, err)
		return
	}
	parts, err := d.Store.Participants(r.Context(), conv)
	if err != nil {
		writeErr(w, err)
		return
	}
	msgs, err := d.Store.Messages(r.Context(), conv)
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := d.Store.Events(r.Context(), conv)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"conversation": core,
		"participants": parts,
		"messages":     msgs,
		"events":       events,
	})
}
