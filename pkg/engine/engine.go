// Package engine validates and applies actions against the conversation
// store. A successful apply appends exactly one event; if the conversation
// is past draft and the action originated locally, the event is handed to
// the propagator for delivery to remote platforms.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"em2/pkg/hashid"
	"em2/pkg/logger"
	"em2/pkg/models"
	"em2/pkg/store"
	"em2/pkg/telemetry"
)

// Propagator delivers an applied event to the platforms of all remote
// participants. Implemented by the pusher; mocked in tests.
type Propagator interface {
	Propagate(ctx context.Context, job Job) error
}

// Job describes one applied event to deliver.
type Job struct {
	Conv          string
	Component     models.Component
	Verb          models.Verb
	Item          string
	Actor         string
	Timestamp     time.Time
	EventID       string
	ParentEventID string
	Payload       map[string]any
	Participants  []models.Participant
	Subject       string
}

// Result is returned to the caller of Apply.
type Result struct {
	Conv    string        `json:"conv"`
	EventID string        `json:"event_id"`
	Item    string        `json:"item,omitempty"`
	Status  models.Status `json:"status,omitempty"`
}

type dispatchKey struct {
	Component models.Component
	Verb      models.Verb
}

// applyCtx threads per-apply state through a verb handler.
type applyCtx struct {
	action *models.Action
	tx     store.Tx
	actor  *models.Participant // nil only while creating a conversation

	// set by handlers
	itemID    string
	newConvID string         // publish re-key target
	saveData  map[string]any // persisted in the event record
	pushData  map[string]any // propagated to remote platforms
}

type handlerFunc func(*Engine, *applyCtx) error

type Engine struct {
	store    store.Store
	prop     Propagator
	now      func() time.Time
	handlers map[dispatchKey]handlerFunc
}

func New(st store.Store, prop Propagator) *Engine {
	e := &Engine{store: st, prop: prop, now: time.Now}
	e.handlers = map[dispatchKey]handlerFunc{
		{models.CompConversations, models.VerbAdd}:     (*Engine).addConversation,
		{models.CompConversations, models.VerbPublish}: (*Engine).publishConversation,
		{models.CompConversations, models.VerbEdit}:    (*Engine).editConversation,

		{models.CompMessages, models.VerbAdd}:       (*Engine).addMessage,
		{models.CompMessages, models.VerbEdit}:      (*Engine).editMessage,
		{models.CompMessages, models.VerbDeltaEdit}: (*Engine).deltaEditMessage,
		{models.CompMessages, models.VerbDelete}:    (*Engine).deleteMessage,
		{models.CompMessages, models.VerbLock}:      (*Engine).lockMessage,
		{models.CompMessages, models.VerbUnlock}:    (*Engine).unlockMessage,

		{models.CompParticipants, models.VerbAdd}:    (*Engine).addParticipant,
		{models.CompParticipants, models.VerbEdit}:   (*Engine).editParticipant,
		{models.CompParticipants, models.VerbDelete}: (*Engine).deleteParticipant,
	}
	return e
}

// SetClock overrides the engine clock (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Apply validates and applies one action, appends its event and triggers
// propagation when appropriate.
func (e *Engine) Apply(ctx context.Context, a *models.Action) (*Result, error) {
	res, err := e.apply(ctx, a)
	if err != nil {
		telemetry.ActionFailures.WithLabelValues(failureKind(err)).Inc()
		return nil, err
	}
	telemetry.ActionsApplied.WithLabelValues(string(a.Component), string(a.Verb)).Inc()
	return res, nil
}

func (e *Engine) apply(ctx context.Context, a *models.Action) (*Result, error) {
	if !a.Verb.Valid() {
		return nil, fmt.Errorf("%q: %w", a.Verb, models.ErrVerbNotFound)
	}
	if !a.Component.Valid() {
		return nil, fmt.Errorf("%q: %w", a.Component, models.ErrComponentNotFound)
	}
	if a.Actor == "" {
		return nil, fmt.Errorf("actor missing: %w", models.ErrBadData)
	}

	isCreate := a.Component == models.CompConversations && a.Verb == models.VerbAdd

	if a.IsRemote() {
		if a.Timestamp.IsZero() {
			return nil, fmt.Errorf("remote action without timestamp: %w", models.ErrBadData)
		}
		if got := a.ComputeEventID(); got != a.EventID {
			return nil, fmt.Errorf("event id %s: %w", a.EventID, models.ErrBadHash)
		}
	} else {
		// server-authoritative timestamps for local actions
		a.Timestamp = e.now().UTC()
		if a.ParentEventID == "" {
			a.ParentEventID = strField(a.Body, "parent_event_id")
		}
	}

	h, ok := e.handlers[dispatchKey{a.Component, a.Verb}]
	if !ok {
		return nil, fmt.Errorf("%s on %s: %w", a.Verb, a.Component, models.ErrVerbNotFound)
	}

	if isCreate && !a.IsRemote() {
		// the conversation id does not exist yet; derive it so the store can
		// lock and create it
		ref, _ := a.Body["ref"].(string)
		if ref == "" {
			ref, _ = a.Body["subject"].(string)
		}
		if ref == "" {
			return nil, fmt.Errorf("conversation ref/subject missing: %w", models.ErrBadData)
		}
		a.Body["ref"] = ref
		a.Conv = models.ConvID(a.Actor, a.Timestamp, ref)
	}
	if a.Conv == "" {
		return nil, fmt.Errorf("conversation id missing: %w", models.ErrBadData)
	}

	ac := &applyCtx{action: a, itemID: a.Item}
	var job *Job
	var result *Result

	err := e.store.Update(ctx, a.Conv, func(tx store.Tx) error {
		ac.tx = tx

		if !isCreate {
			core, err := tx.Conversation()
			if err != nil {
				return err
			}
			if core.Status == models.StatusExpired || core.Status == models.StatusDeleted {
				return fmt.Errorf("conversation is %s: %w", core.Status, models.ErrBadData)
			}
			actor, err := tx.GetParticipant(a.Actor)
			if err != nil {
				return err
			}
			ac.actor = actor
		}

		if err := h(e, ac); err != nil {
			return err
		}

		conv := a.Conv
		if ac.newConvID != "" {
			conv = ac.newConvID
		}
		a.Item = ac.itemID

		eventID := a.EventID
		if eventID == "" {
			// a publish travels as a conversation add, and remote platforms
			// recompute the event id from what they receive
			hashVerb := a.Verb
			if a.Verb == models.VerbPublish {
				hashVerb = models.VerbAdd
			}
			eventID = hashid.Hash(hashid.TS(a.Timestamp), a.Actor, conv, string(hashVerb), string(a.Component), a.Item)
		}

		var actorID int64
		if ac.actor != nil {
			actorID = ac.actor.ID
		} else {
			// newly created conversation: creator is participant 1
			actorID = 1
		}
		if err := tx.SaveEvent(models.Event{
			ID:        eventID,
			Actor:     actorID,
			Verb:      a.Verb,
			Component: a.Component,
			Item:      a.Item,
			Data:      ac.saveData,
			Timestamp: a.Timestamp,
		}); err != nil {
			return err
		}

		core, err := tx.Conversation()
		if err != nil {
			return err
		}
		result = &Result{Conv: conv, EventID: eventID, Item: a.Item, Status: core.Status}

		// draft conversations are private, and remote actions are never
		// forwarded again (no propagation loops)
		if core.Status != models.StatusDraft && !a.IsRemote() {
			parts, err := tx.Participants()
			if err != nil {
				return err
			}
			pushVerb := a.Verb
			pushComp := a.Component
			if a.Verb == models.VerbPublish {
				// a publish introduces the conversation to remote platforms
				// as a conversation-level add carrying the full snapshot
				pushVerb = models.VerbAdd
			}
			job = &Job{
				Conv:          conv,
				Component:     pushComp,
				Verb:          pushVerb,
				Item:          a.Item,
				Actor:         a.Actor,
				Timestamp:     a.Timestamp,
				EventID:       eventID,
				ParentEventID: a.ParentEventID,
				Payload:       ac.pushData,
				Participants:  parts,
				Subject:       core.Subject,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job != nil {
		if perr := e.prop.Propagate(ctx, *job); perr != nil {
			// the action is already committed; propagation failure is
			// best-effort and must not surface to the caller
			logger.Warn("propagation_failed", "conv", job.Conv, "event", job.EventID, "err", perr)
		}
	}
	return result, nil
}

// checkParent enforces the optimistic-concurrency guard for a mutating verb
// on an existing item: the supplied parent event id must match the item's
// last recorded event, and the action timestamp must be strictly after it.
// The first mutation on an item with no event history is exempt.
func checkParent(ac *applyCtx, component models.Component, item string) error {
	lastID, lastTS, err := ac.tx.LastEvent(component, item)
	if err != nil {
		if errors.Is(err, models.ErrEventNotFound) {
			return nil
		}
		return err
	}
	if ac.action.ParentEventID != lastID {
		return fmt.Errorf("parent event %q, last %q: %w", ac.action.ParentEventID, lastID, models.ErrDataConsistency)
	}
	if !ac.action.Timestamp.After(lastTS) {
		return fmt.Errorf("timestamp not after parent event: %w", models.ErrBadData)
	}
	return nil
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, models.ErrBadHash):
		return "bad_hash"
	case errors.Is(err, models.ErrBadData), errors.Is(err, models.ErrMisshapedData):
		return "bad_data"
	case errors.Is(err, models.ErrInsufficientPermissions):
		return "permissions"
	case errors.Is(err, models.ErrComponentLocked), errors.Is(err, models.ErrComponentNotLocked):
		return "locking"
	case errors.Is(err, models.ErrDataConsistency):
		return "consistency"
	case errors.Is(err, models.ErrConversationNotFound), errors.Is(err, models.ErrComponentNotFound),
		errors.Is(err, models.ErrEventNotFound), errors.Is(err, models.ErrVerbNotFound):
		return "not_found"
	}
	return "other"
}
