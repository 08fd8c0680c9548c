package store

import (
	"fmt"
	"time"

	"em2/pkg/models"
)

// convMeta is the persisted core record plus the per-conversation sequence
// counters used to assign participant ids and ordered message/event keys.
type convMeta struct {
	Core    models.Conversation `json:"core"`
	PartSeq int64               `json:"part_seq"`
	MsgSeq  int64               `json:"msg_seq"`
	EvtSeq  int64               `json:"evt_seq"`
}

// convState is the in-memory image of one conversation shared by both store
// implementations. Mutation methods stage changes and record dirtiness so
// the pebble store can commit only what changed.
type convState struct {
	id     string
	exists bool

	meta   convMeta
	parts  []models.Participant
	msgs   []models.Message
	msgIdx map[string]int
	events []models.Event
	last   map[string]lastEvt

	created    bool
	coreDirty  bool
	newParts   []int
	dirtyParts map[int]bool
	dirtyMsgs  map[int]bool
	newEvents  []int
	dirtyLast  map[string]bool
	renamedOld string // previous id when SetPublishedID was applied
}

func newConvState(id string) *convState {
	return &convState{
		id:         id,
		msgIdx:     map[string]int{},
		last:       map[string]lastEvt{},
		dirtyParts: map[int]bool{},
		dirtyMsgs:  map[int]bool{},
		dirtyLast:  map[string]bool{},
	}
}

func (s *convState) clone() *convState {
	c := *s
	c.parts = append([]models.Participant(nil), s.parts...)
	c.msgs = append([]models.Message(nil), s.msgs...)
	c.events = append([]models.Event(nil), s.events...)
	c.msgIdx = make(map[string]int, len(s.msgIdx))
	for k, v := range s.msgIdx {
		c.msgIdx[k] = v
	}
	c.last = make(map[string]lastEvt, len(s.last))
	for k, v := range s.last {
		c.last[k] = v
	}
	c.newParts = append([]int(nil), s.newParts...)
	c.newEvents = append([]int(nil), s.newEvents...)
	c.dirtyParts = make(map[int]bool, len(s.dirtyParts))
	for k, v := range s.dirtyParts {
		c.dirtyParts[k] = v
	}
	c.dirtyMsgs = make(map[int]bool, len(s.dirtyMsgs))
	for k, v := range s.dirtyMsgs {
		c.dirtyMsgs[k] = v
	}
	c.dirtyLast = make(map[string]bool, len(s.dirtyLast))
	for k, v := range s.dirtyLast {
		c.dirtyLast[k] = v
	}
	return &c
}

// Tx interface implementation

func (s *convState) Conversation() (*models.Conversation, error) {
	if !s.exists {
		return nil, fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	core := s.meta.Core
	return &core, nil
}

func (s *convState) GetParticipant(address string) (*models.Participant, error) {
	if !s.exists {
		return nil, fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	for _, p := range s.parts {
		if p.Address == address && !p.Deleted {
			cp := p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("participant %s: %w", address, models.ErrComponentNotFound)
}

func (s *convState) Participants() ([]models.Participant, error) {
	if !s.exists {
		return nil, fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	out := make([]models.Participant, 0, len(s.parts))
	for _, p := range s.parts {
		if !p.Deleted {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *convState) Messages() ([]models.Message, error) {
	if !s.exists {
		return nil, fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	out := make([]models.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *convState) GetMessage(id string) (*models.Message, error) {
	i, ok := s.msgIdx[id]
	if !ok || s.msgs[i].Deleted {
		return nil, fmt.Errorf("message %s: %w", id, models.ErrComponentNotFound)
	}
	cp := s.msgs[i]
	return &cp, nil
}

func (s *convState) LastEvent(component models.Component, item string) (string, time.Time, error) {
	le, ok := s.last[lastKey(component, item)]
	if !ok {
		return "", time.Time{}, fmt.Errorf("%s/%s: %w", component, item, models.ErrEventNotFound)
	}
	return le.ID, le.TS, nil
}

func (s *convState) CreateConversation(c models.Conversation) error {
	if s.exists {
		return fmt.Errorf("conversation %s: %w", s.id, models.ErrAlreadyExists)
	}
	s.exists = true
	s.created = true
	s.coreDirty = true
	s.meta.Core = c
	return nil
}

func (s *convState) mutateCore(fn func(*models.Conversation)) error {
	if !s.exists {
		return fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	fn(&s.meta.Core)
	s.coreDirty = true
	return nil
}

func (s *convState) SetStatus(st models.Status) error {
	return s.mutateCore(func(c *models.Conversation) { c.Status = st })
}

func (s *convState) SetSubject(subject string) error {
	return s.mutateCore(func(c *models.Conversation) { c.Subject = subject })
}

func (s *convState) SetRef(ref string) error {
	return s.mutateCore(func(c *models.Conversation) { c.Ref = ref })
}

func (s *convState) SetExpiration(t *time.Time) error {
	return s.mutateCore(func(c *models.Conversation) { c.Expiration = t })
}

func (s *convState) SetPublishedID(newID string) error {
	if !s.exists {
		return fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	if s.renamedOld == "" {
		s.renamedOld = s.id
	}
	s.id = newID
	s.meta.Core.ID = newID
	s.coreDirty = true
	return nil
}

func (s *convState) AddParticipant(address string, perm models.Permission) (int64, error) {
	if !s.exists {
		return 0, fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	for _, p := range s.parts {
		if p.Address == address && !p.Deleted {
			return 0, fmt.Errorf("participant %s: %w", address, models.ErrAlreadyExists)
		}
	}
	s.meta.PartSeq++
	p := models.Participant{ID: s.meta.PartSeq, Address: address, Permissions: perm}
	s.parts = append(s.parts, p)
	s.newParts = append(s.newParts, len(s.parts)-1)
	s.coreDirty = true
	return p.ID, nil
}

func (s *convState) mutateParticipant(address string, fn func(*models.Participant)) error {
	for i := range s.parts {
		if s.parts[i].Address == address && !s.parts[i].Deleted {
			fn(&s.parts[i])
			s.dirtyParts[i] = true
			return nil
		}
	}
	return fmt.Errorf("participant %s: %w", address, models.ErrComponentNotFound)
}

func (s *convState) RemoveParticipant(address string) error {
	return s.mutateParticipant(address, func(p *models.Participant) { p.Deleted = true })
}

func (s *convState) SetParticipantPermissions(address string, perm models.Permission) error {
	return s.mutateParticipant(address, func(p *models.Participant) { p.Permissions = perm })
}

func (s *convState) AddMessage(m models.Message) error {
	if !s.exists {
		return fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	if _, ok := s.msgIdx[m.ID]; ok {
		return fmt.Errorf("message %s: %w", m.ID, models.ErrAlreadyExists)
	}
	if m.Parent != "" {
		pi, ok := s.msgIdx[m.Parent]
		if !ok {
			return fmt.Errorf("parent message %s: %w", m.Parent, models.ErrComponentNotFound)
		}
		if !s.msgs[pi].Timestamp.Before(m.Timestamp) {
			return fmt.Errorf("message timestamp not after parent: %w", models.ErrBadData)
		}
	} else if len(s.msgs) > 0 {
		return fmt.Errorf("only the first message may have no parent: %w", models.ErrBadData)
	}
	s.meta.MsgSeq++
	s.msgs = append(s.msgs, m)
	s.msgIdx[m.ID] = len(s.msgs) - 1
	s.dirtyMsgs[len(s.msgs)-1] = true
	s.coreDirty = true
	return nil
}

func (s *convState) mutateMessage(id string, fn func(*models.Message)) error {
	i, ok := s.msgIdx[id]
	if !ok || s.msgs[i].Deleted {
		return fmt.Errorf("message %s: %w", id, models.ErrComponentNotFound)
	}
	fn(&s.msgs[i])
	s.dirtyMsgs[i] = true
	return nil
}

func (s *convState) EditMessage(id, body string, ts time.Time) error {
	return s.mutateMessage(id, func(m *models.Message) {
		m.Body = body
		m.Timestamp = ts
	})
}

func (s *convState) DeleteMessage(id string) error {
	return s.mutateMessage(id, func(m *models.Message) { m.Deleted = true })
}

func (s *convState) SetMessageLocked(id string, locked bool) error {
	return s.mutateMessage(id, func(m *models.Message) { m.Locked = locked })
}

func (s *convState) SaveEvent(ev models.Event) error {
	if !s.exists {
		return fmt.Errorf("%s: %w", s.id, models.ErrConversationNotFound)
	}
	s.meta.EvtSeq++
	s.events = append(s.events, ev)
	s.newEvents = append(s.newEvents, len(s.events)-1)
	k := lastKey(ev.Component, ev.Item)
	s.last[k] = lastEvt{ID: ev.ID, TS: ev.Timestamp}
	s.dirtyLast[k] = true
	s.coreDirty = true
	return nil
}
