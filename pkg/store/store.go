// Package store persists conversation state: core properties, participants,
// messages and the append-only event log. All mutation happens inside
// Update, which holds a per-conversation write lock and commits the staged
// changes atomically, so the engine's check-then-append is serialized per
// conversation.
package store

import (
	"context"
	"time"

	"em2/pkg/models"
)

type Store interface {
	GetConversation(ctx context.Context, conv string) (*models.Conversation, error)
	Participants(ctx context.Context, conv string) ([]models.Participant, error)
	GetParticipant(ctx context.Context, conv, address string) (*models.Participant, error)
	Messages(ctx context.Context, conv string) ([]models.Message, error)
	GetMessage(ctx context.Context, conv, id string) (*models.Message, error)
	Events(ctx context.Context, conv string) ([]models.Event, error)
	LastEvent(ctx context.Context, conv string, component models.Component, item string) (string, time.Time, error)
	ListConversationIDs(ctx context.Context) ([]string, error)

	// Update runs fn under the conversation's write lock. Mutations staged
	// through the Tx are committed iff fn returns nil; otherwise nothing is
	// persisted. The Tx is invalid once fn returns.
	Update(ctx context.Context, conv string, fn func(tx Tx) error) error

	Close() error
}

// Tx is a single-conversation read/write scope. Reads observe staged writes.
type Tx interface {
	Conversation() (*models.Conversation, error)
	GetParticipant(address string) (*models.Participant, error)
	Participants() ([]models.Participant, error)
	Messages() ([]models.Message, error)
	GetMessage(id string) (*models.Message, error)
	LastEvent(component models.Component, item string) (string, time.Time, error)

	CreateConversation(c models.Conversation) error
	SetStatus(s models.Status) error
	SetSubject(subject string) error
	SetRef(ref string) error
	SetExpiration(t *time.Time) error
	// SetPublishedID re-keys the conversation under a new id; the old id
	// becomes unreachable at commit.
	SetPublishedID(newID string) error

	AddParticipant(address string, perm models.Permission) (int64, error)
	RemoveParticipant(address string) error
	SetParticipantPermissions(address string, perm models.Permission) error
	AddMessage(m models.Message) error
	EditMessage(id, body string, ts time.Time) error
	DeleteMessage(id string) error
	SetMessageLocked(id string, locked bool) error

	SaveEvent(ev models.Event) error
}

type lastEvt struct {
	ID string    `json:"id"`
	TS time.Time `json:"ts"`
}

func lastKey(component models.Component, item string) string {
	return string(component) + ":" + item
}
