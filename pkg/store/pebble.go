package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"em2/pkg/logger"
	"em2/pkg/models"
)

// PebbleStore persists conversations in a Pebble database. Key layout:
//
//	conv:<id>                      core + sequence counters
//	conv:<id>:prt:<seq>            participant
//	conv:<id>:msg:<seq>            message (insertion order)
//	conv:<id>:evt:<seq>            event (append-only)
//	conv:<id>:last:<component>:<item>  last-event pointer
//
// A transaction loads the conversation image, stages mutations on it and
// commits the dirty pieces in one pebble batch. Publishing rewrites the
// whole image under the new id and range-deletes the old prefix in the same
// batch.
type PebbleStore struct {
	db *pebble.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "err", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &PebbleStore{db: db, locks: map[string]*sync.Mutex{}}, nil
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func metaKey(conv string) string { return "conv:" + conv }

func prtKey(conv string, i int) string { return fmt.Sprintf("conv:%s:prt:%06d", conv, i) }

func msgKey(conv string, i int) string { return fmt.Sprintf("conv:%s:msg:%06d", conv, i) }

func evtKey(conv string, i int) string { return fmt.Sprintf("conv:%s:evt:%020d", conv, i) }

func lastPtrKey(conv, k string) string { return "conv:" + conv + ":last:" + k }

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) lockFor(conv string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conv]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conv] = l
	}
	return l
}

// load reads the full conversation image. exists stays false when the meta
// record is absent.
func (s *PebbleStore) load(conv string) (*convState, error) {
	st := newConvState(conv)
	prefix := []byte(metaKey(conv))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), string(prefix))
		v := append([]byte(nil), iter.Value()...)
		switch {
		case rest == "":
			if err := json.Unmarshal(v, &st.meta); err != nil {
				return nil, fmt.Errorf("corrupt conversation record %s: %w", conv, err)
			}
			st.exists = true
		case strings.HasPrefix(rest, ":prt:"):
			var p models.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				return nil, fmt.Errorf("corrupt participant record: %w", err)
			}
			st.parts = append(st.parts, p)
		case strings.HasPrefix(rest, ":msg:"):
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil, fmt.Errorf("corrupt message record: %w", err)
			}
			st.msgs = append(st.msgs, m)
			st.msgIdx[m.ID] = len(st.msgs) - 1
		case strings.HasPrefix(rest, ":evt:"):
			var ev models.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return nil, fmt.Errorf("corrupt event record: %w", err)
			}
			st.events = append(st.events, ev)
		case strings.HasPrefix(rest, ":last:"):
			var le lastEvt
			if err := json.Unmarshal(v, &le); err != nil {
				return nil, fmt.Errorf("corrupt last-event record: %w", err)
			}
			st.last[strings.TrimPrefix(rest, ":last:")] = le
		}
	}
	return st, iter.Error()
}

func setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set([]byte(key), data, nil)
}

// commit writes the staged changes of st as one atomic batch.
func (s *PebbleStore) commit(st *convState) error {
	b := s.db.NewBatch()
	defer b.Close()

	if st.renamedOld != "" {
		// full rewrite under the new id, old prefix gone
		old := []byte(metaKey(st.renamedOld))
		if err := b.DeleteRange(old, upperBound(old), nil); err != nil {
			return err
		}
		if err := setJSON(b, metaKey(st.id), st.meta); err != nil {
			return err
		}
		for i, p := range st.parts {
			if err := setJSON(b, prtKey(st.id, i), p); err != nil {
				return err
			}
		}
		for i, m := range st.msgs {
			if err := setJSON(b, msgKey(st.id, i), m); err != nil {
				return err
			}
		}
		for i, ev := range st.events {
			if err := setJSON(b, evtKey(st.id, i), ev); err != nil {
				return err
			}
		}
		for k, le := range st.last {
			if err := setJSON(b, lastPtrKey(st.id, k), le); err != nil {
				return err
			}
		}
		return s.db.Apply(b, pebble.Sync)
	}

	if st.coreDirty {
		if err := setJSON(b, metaKey(st.id), st.meta); err != nil {
			return err
		}
	}
	for _, i := range st.newParts {
		if err := setJSON(b, prtKey(st.id, i), st.parts[i]); err != nil {
			return err
		}
	}
	for i := range st.dirtyParts {
		if err := setJSON(b, prtKey(st.id, i), st.parts[i]); err != nil {
			return err
		}
	}
	for i := range st.dirtyMsgs {
		if err := setJSON(b, msgKey(st.id, i), st.msgs[i]); err != nil {
			return err
		}
	}
	for _, i := range st.newEvents {
		if err := setJSON(b, evtKey(st.id, i), st.events[i]); err != nil {
			return err
		}
	}
	for k := range st.dirtyLast {
		if err := setJSON(b, lastPtrKey(st.id, k), st.last[k]); err != nil {
			return err
		}
	}
	if b.Empty() {
		return nil
	}
	return s.db.Apply(b, pebble.Sync)
}

func (s *PebbleStore) Update(ctx context.Context, conv string, fn func(tx Tx) error) error {
	l := s.lockFor(conv)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	st, err := s.load(conv)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if !st.exists {
		return nil
	}
	if err := s.commit(st); err != nil {
		logger.Error("conv_commit_failed", "conv", st.id, "err", err)
		return err
	}
	return nil
}

func (s *PebbleStore) GetConversation(_ context.Context, conv string) (*models.Conversation, error) {
	st, err := s.load(conv)
	if err != nil {
		return nil, err
	}
	return st.Conversation()
}

func (s *PebbleStore) Participants(_ context.Context, conv string) ([]models.Participant, error) {
	st, err := s.load(conv)
	if err != nil {
		return nil, err
	}
	return st.Participants()
}

func (s *PebbleStore) GetParticipant(_ context.Context, conv, address string) (*models.Participant, error) {
	st, err := s.load(conv)
	if err != nil {
		return nil, err
	}
	if !st.exists {
		return nil, fmt.Errorf("%s: %w", conv, models.ErrConversationNotFound)
	}
	return st.GetParticipant(address)
}

func (s *PebbleStore) Messages(_ context.Context, conv string) ([]models.Message, error) {
	st, err := s.load(conv)
	if err != nil {
		return nil, err
	}
	return st.Messages()
}

func (s *PebbleStore) GetMessage(_ context.Context, conv, id string) (*models.Message, error) {
	st, err := s.load(conv)
	if err != nil {
		return nil, err
	}
	if !st.exists {
		return nil, fmt.Errorf("%s: %w", conv, models.ErrConversationNotFound)
	}
	return st.GetMessage(id)
}

func (s *PebbleStore) Events(_ context.Context, conv string) ([]models.Event, error) {
	st, err := s.load(conv)
	if err != nil {
		return nil, err
	}
	if !st.exists {
		return nil, fmt.Errorf("%s: %w", conv, models.ErrConversationNotFound)
	}
	return st.events, nil
}

func (s *PebbleStore) LastEvent(_ context.Context, conv string, component models.Component, item string) (string, time.Time, error) {
	st, err := s.load(conv)
	if err != nil {
		return "", time.Time{}, err
	}
	if !st.exists {
		return "", time.Time{}, fmt.Errorf("%s: %w", conv, models.ErrConversationNotFound)
	}
	return st.LastEvent(component, item)
}

func (s *PebbleStore) ListConversationIDs(_ context.Context) ([]string, error) {
	prefix := []byte("conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), "conv:")
		if !strings.Contains(rest, ":") {
			out = append(out, rest)
		}
	}
	return out, iter.Error()
}
