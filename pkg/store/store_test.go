package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"em2/pkg/models"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStore())
	})
	t.Run("pebble", func(t *testing.T) {
		s, err := OpenPebble(filepath.Join(t.TempDir(), "db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func seedConversation(t *testing.T, s Store, id string) time.Time {
	t.Helper()
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	err := s.Update(context.Background(), id, func(tx Tx) error {
		if err := tx.CreateConversation(models.Conversation{
			ID: id, Creator: "alice@a.com", CreatedAt: created,
			Ref: "r", Subject: "subject", Status: models.StatusDraft,
		}); err != nil {
			return err
		}
		_, err := tx.AddParticipant("alice@a.com", models.PermFull)
		return err
	})
	require.NoError(t, err)
	return created
}

func TestStoreCreateAndRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := seedConversation(t, s, "conv1")

		core, err := s.GetConversation(ctx, "conv1")
		require.NoError(t, err)
		require.Equal(t, "alice@a.com", core.Creator)
		require.Equal(t, models.StatusDraft, core.Status)
		require.True(t, core.CreatedAt.Equal(created))

		parts, err := s.Participants(ctx, "conv1")
		require.NoError(t, err)
		require.Len(t, parts, 1)
		require.Equal(t, int64(1), parts[0].ID)

		_, err = s.GetConversation(ctx, "nope")
		require.ErrorIs(t, err, models.ErrConversationNotFound)
	})
}

func TestStoreFailedUpdateLeavesNoTrace(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConversation(t, s, "conv1")

		boom := errors.New("boom")
		err := s.Update(ctx, "conv1", func(tx Tx) error {
			if _, err := tx.AddParticipant("bob@b.com", models.PermWrite); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		parts, err := s.Participants(ctx, "conv1")
		require.NoError(t, err)
		require.Len(t, parts, 1)
	})
}

func TestStoreMessagesAndOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := seedConversation(t, s, "conv1")

		err := s.Update(ctx, "conv1", func(tx Tx) error {
			if err := tx.AddMessage(models.Message{ID: "m1", Author: 1, Timestamp: created, Body: "hi"}); err != nil {
				return err
			}
			return tx.AddMessage(models.Message{ID: "m2", Author: 1, Timestamp: created.Add(time.Second), Body: "again", Parent: "m1"})
		})
		require.NoError(t, err)

		// second root message is rejected
		err = s.Update(ctx, "conv1", func(tx Tx) error {
			return tx.AddMessage(models.Message{ID: "m3", Author: 1, Timestamp: created.Add(2 * time.Second), Body: "x"})
		})
		require.ErrorIs(t, err, models.ErrBadData)

		// child must be strictly later than its parent
		err = s.Update(ctx, "conv1", func(tx Tx) error {
			return tx.AddMessage(models.Message{ID: "m4", Author: 1, Timestamp: created, Body: "x", Parent: "m1"})
		})
		require.ErrorIs(t, err, models.ErrBadData)

		msgs, err := s.Messages(ctx, "conv1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, "m1", msgs[0].ID)
		require.Equal(t, "m2", msgs[1].ID)

		// delete hides the message from listings
		err = s.Update(ctx, "conv1", func(tx Tx) error { return tx.DeleteMessage("m2") })
		require.NoError(t, err)
		msgs, err = s.Messages(ctx, "conv1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		_, err = s.GetMessage(ctx, "conv1", "m2")
		require.ErrorIs(t, err, models.ErrComponentNotFound)
	})
}

func TestStoreParticipantTombstone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConversation(t, s, "conv1")

		err := s.Update(ctx, "conv1", func(tx Tx) error {
			_, err := tx.AddParticipant("bob@b.com", models.PermWrite)
			return err
		})
		require.NoError(t, err)

		err = s.Update(ctx, "conv1", func(tx Tx) error { return tx.RemoveParticipant("bob@b.com") })
		require.NoError(t, err)

		parts, err := s.Participants(ctx, "conv1")
		require.NoError(t, err)
		require.Len(t, parts, 1)
		_, err = s.GetParticipant(ctx, "conv1", "bob@b.com")
		require.ErrorIs(t, err, models.ErrComponentNotFound)

		// re-adding after removal assigns a fresh id
		err = s.Update(ctx, "conv1", func(tx Tx) error {
			id, err := tx.AddParticipant("bob@b.com", models.PermRead)
			require.Equal(t, int64(3), id)
			return err
		})
		require.NoError(t, err)
	})
}

func TestStoreEventsAndLastPointer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := seedConversation(t, s, "conv1")

		_, _, err := s.LastEvent(ctx, "conv1", models.CompMessages, "m1")
		require.ErrorIs(t, err, models.ErrEventNotFound)

		err = s.Update(ctx, "conv1", func(tx Tx) error {
			return tx.SaveEvent(models.Event{
				ID: "e1", Actor: 1, Verb: models.VerbAdd,
				Component: models.CompMessages, Item: "m1", Timestamp: created,
			})
		})
		require.NoError(t, err)
		err = s.Update(ctx, "conv1", func(tx Tx) error {
			return tx.SaveEvent(models.Event{
				ID: "e2", Actor: 1, Verb: models.VerbEdit,
				Component: models.CompMessages, Item: "m1", Timestamp: created.Add(time.Second),
			})
		})
		require.NoError(t, err)

		id, ts, err := s.LastEvent(ctx, "conv1", models.CompMessages, "m1")
		require.NoError(t, err)
		require.Equal(t, "e2", id)
		require.True(t, ts.Equal(created.Add(time.Second)))

		events, err := s.Events(ctx, "conv1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "e1", events[0].ID)
	})
}

func TestStorePublishRekey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConversation(t, s, "old-id")

		err := s.Update(ctx, "old-id", func(tx Tx) error {
			if err := tx.SetStatus(models.StatusActive); err != nil {
				return err
			}
			return tx.SetPublishedID("new-id")
		})
		require.NoError(t, err)

		_, err = s.GetConversation(ctx, "old-id")
		require.ErrorIs(t, err, models.ErrConversationNotFound)

		core, err := s.GetConversation(ctx, "new-id")
		require.NoError(t, err)
		require.Equal(t, "new-id", core.ID)
		require.Equal(t, models.StatusActive, core.Status)

		parts, err := s.Participants(ctx, "new-id")
		require.NoError(t, err)
		require.Len(t, parts, 1)

		ids, err := s.ListConversationIDs(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"new-id"}, ids)
	})
}

func TestPebblePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	s, err := OpenPebble(path)
	require.NoError(t, err)
	created := seedConversation(t, s, "conv1")
	err = s.Update(ctx, "conv1", func(tx Tx) error {
		if err := tx.AddMessage(models.Message{ID: "m1", Author: 1, Timestamp: created, Body: "hi"}); err != nil {
			return err
		}
		return tx.SaveEvent(models.Event{
			ID: "e1", Actor: 1, Verb: models.VerbAdd,
			Component: models.CompMessages, Item: "m1", Timestamp: created,
		})
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := OpenPebble(path)
	require.NoError(t, err)
	defer s2.Close()

	core, err := s2.GetConversation(ctx, "conv1")
	require.NoError(t, err)
	require.Equal(t, "subject", core.Subject)

	msgs, err := s2.Messages(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	id, _, err := s2.LastEvent(ctx, "conv1", models.CompMessages, "m1")
	require.NoError(t, err)
	require.Equal(t, "e1", id)
}
