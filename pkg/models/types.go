package models

import (
	"strings"
	"time"

	"em2/pkg/hashid"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusActive, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// Permission is a participant's access level within a conversation.
type Permission string

const (
	PermFull    Permission = "full"
	PermWrite   Permission = "write"
	PermComment Permission = "comment"
	PermRead    Permission = "read"
)

func (p Permission) Valid() bool {
	switch p {
	case PermFull, PermWrite, PermComment, PermRead:
		return true
	}
	return false
}

// Verb is the operation type of an action.
type Verb string

const (
	VerbAdd       Verb = "add"
	VerbEdit      Verb = "edit"
	VerbDeltaEdit Verb = "delta_edit"
	VerbDelete    Verb = "delete"
	VerbLock      Verb = "lock"
	VerbUnlock    Verb = "unlock"
	VerbPublish   Verb = "publish"
)

func (v Verb) Valid() bool {
	switch v {
	case VerbAdd, VerbEdit, VerbDeltaEdit, VerbDelete, VerbLock, VerbUnlock, VerbPublish:
		return true
	}
	return false
}

// Component is the sub-entity type an action targets.
type Component string

const (
	CompConversations Component = "conversations"
	CompMessages      Component = "messages"
	CompParticipants  Component = "participants"
)

func (c Component) Valid() bool {
	switch c {
	case CompConversations, CompMessages, CompParticipants:
		return true
	}
	return false
}

// Conversation core properties. The id is content-addressed: SHA-256 of
// (creator, created_at, ref). Publishing re-keys the conversation under a
// new id computed from the publisher and publish time.
type Conversation struct {
	ID         string     `json:"id"`
	Creator    string     `json:"creator"`
	CreatedAt  time.Time  `json:"created_at"`
	Ref        string     `json:"ref"`
	Subject    string     `json:"subject"`
	Status     Status     `json:"status"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

// ConvID computes a conversation id from its identity tuple.
func ConvID(creator string, ts time.Time, ref string) string {
	return hashid.Hash256(creator, hashid.TS(ts), ref)
}

// Participant of a conversation. ID is a local sequence scoped to the
// conversation, ordered by insertion.
type Participant struct {
	ID          int64      `json:"id"`
	Address     string     `json:"address"`
	Permissions Permission `json:"permissions"`
	Deleted     bool       `json:"deleted,omitempty"`
}

// Domain returns the domain part of the participant address.
func (p Participant) Domain() string { return AddressDomain(p.Address) }

// AddressDomain returns the domain part of an email-like address, lowercased.
func AddressDomain(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return strings.ToLower(address[i+1:])
	}
	return ""
}

// Message in a conversation. ID is SHA-1 of (author, timestamp, body,
// parent). The first message has Parent == "".
type Message struct {
	ID        string    `json:"id"`
	Author    int64     `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
	Parent    string    `json:"parent,omitempty"`
	Locked    bool      `json:"locked,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// MsgID computes a message id from its identity tuple.
func MsgID(authorAddress string, ts time.Time, body, parent string) string {
	return hashid.Hash(authorAddress, hashid.TS(ts), body, parent)
}

// Event is the durable, append-only record of one successfully applied
// action. Events form a per-(component,item) causal chain; the latest event
// id for an item is the optimistic-concurrency token for the next mutation.
type Event struct {
	ID        string         `json:"id"`
	Actor     int64          `json:"actor"`
	Verb      Verb           `json:"verb"`
	Component Component      `json:"component"`
	Item      string         `json:"item,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Action is a request to mutate a conversation. Not persisted.
type Action struct {
	Actor     string    `json:"actor"`
	Conv      string    `json:"conv,omitempty"`
	Verb      Verb      `json:"verb"`
	Component Component `json:"component"`
	Item      string    `json:"item,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// EventID is present only for remote actions: the sending platform has
	// already computed the event id and we re-derive it to detect tampering.
	EventID       string `json:"event_id,omitempty"`
	ParentEventID string `json:"parent_event_id,omitempty"`

	// Body carries verb-specific fields decoded from the request payload.
	Body map[string]any `json:"body,omitempty"`
}

// IsRemote reports whether the action originated on another platform.
func (a *Action) IsRemote() bool { return a.EventID != "" }

// ComputeEventID derives the event id for this action. Remote actions must
// carry a matching precomputed id.
func (a *Action) ComputeEventID() string {
	return hashid.Hash(hashid.TS(a.Timestamp), a.Actor, a.Conv, string(a.Verb), string(a.Component), a.Item)
}
