package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"em2/pkg/models"
)

// MemStore is the in-memory reference implementation. Update works on a
// clone of the conversation and swaps it in on success, so a failed apply
// leaves no trace.
type MemStore struct {
	mu    sync.Mutex
	convs map[string]*convState
	locks map[string]*sync.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{convs: map[string]*convState{}, locks: map[string]*sync.Mutex{}}
}

func (s *MemStore) lockFor(conv string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conv] = l
	}
	return l
}

func (s *MemStore) get(conv string) (*convState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conv]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conv, models.ErrConversationNotFound)
	}
	return st, nil
}

func (s *MemStore) Update(ctx context.Context, conv string, fn func(tx Tx) error) error {
	l := s.lockFor(conv)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	base, ok := s.convs[conv]
	s.mu.Unlock()

	var work *convState
	if ok {
		work = base.clone()
	} else {
		work = newConvState(conv)
	}

	if err := fn(work); err != nil {
		return err
	}
	if !work.exists {
		return nil
	}

	s.mu.Lock()
	if work.renamedOld != "" {
		delete(s.convs, work.renamedOld)
	}
	s.convs[work.id] = work
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetConversation(_ context.Context, conv string) (*models.Conversation, error) {
	st, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	return st.Conversation()
}

func (s *MemStore) Participants(_ context.Context, conv string) ([]models.Participant, error) {
	st, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	return st.Participants()
}

func (s *MemStore) GetParticipant(_ context.Context, conv, address string) (*models.Participant, error) {
	st, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	return st.GetParticipant(address)
}

func (s *MemStore) Messages(_ context.Context, conv string) ([]models.Message, error) {
	st, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	return st.Messages()
}

func (s *MemStore) GetMessage(_ context.Context, conv, id string) (*models.Message, error) {
	st, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	return st.GetMessage(id)
}

func (s *MemStore) Events(_ context.Context, conv string) ([]models.Event, error) {
	st, err := s.get(conv)
	if err != nil {
		return nil, err
	}
	return append([]models.Event(nil), st.events...), nil
}

func (s *MemStore) LastEvent(_ context.Context, conv string, component models.Component, item string) (string, time.Time, error) {
	st, err := s.get(conv)
	if err != nil {
		return "", time.Time{}, err
	}
	return st.LastEvent(component, item)
}

func (s *MemStore) ListConversationIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) Close() error { return nil }
