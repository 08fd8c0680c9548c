package engine

import (
	"fmt"
	"time"

	"em2/pkg/models"
)

// addConversation creates a conversation. Locally that means a fresh draft
// with the actor as sole full-permission participant and an optional first
// message; remotely it materializes a published conversation from the
// snapshot carried by the action (see snapshot.go).
func (e *Engine) addConversation(ac *applyCtx) error {
	if ac.action.IsRemote() {
		return e.importSnapshot(ac)
	}

	a := ac.action
	subject := strField(a.Body, "subject")
	if subject == "" {
		return fmt.Errorf("subject missing: %w", models.ErrBadData)
	}
	ref := strField(a.Body, "ref")

	var expiration *time.Time
	if s := strField(a.Body, "expiration"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid expiration %q: %w", s, models.ErrBadData)
		}
		expiration = &t
	}

	if err := ac.tx.CreateConversation(models.Conversation{
		ID:         a.Conv,
		Creator:    a.Actor,
		CreatedAt:  a.Timestamp,
		Ref:        ref,
		Subject:    subject,
		Status:     models.StatusDraft,
		Expiration: expiration,
	}); err != nil {
		return err
	}
	if _, err := ac.tx.AddParticipant(a.Actor, models.PermFull); err != nil {
		return err
	}

	if body := strField(a.Body, "body"); body != "" {
		msgID := models.MsgID(a.Actor, a.Timestamp, body, "")
		if err := ac.tx.AddMessage(models.Message{
			ID:        msgID,
			Author:    1,
			Timestamp: a.Timestamp,
			Body:      body,
		}); err != nil {
			return err
		}
	}

	ac.saveData = map[string]any{"subject": subject, "ref": ref}
	return nil
}

// editConversation changes the subject, and on drafts also the ref. The
// ref feeds the published conversation id, so it is frozen once published.
func (e *Engine) editConversation(ac *applyCtx) error {
	if err := requireWrite(ac.actor); err != nil {
		return err
	}
	subject := strField(ac.action.Body, "subject")
	ref := strField(ac.action.Body, "ref")
	if subject == "" && ref == "" {
		return fmt.Errorf("subject or ref missing: %w", models.ErrBadData)
	}
	if ref != "" {
		core, err := ac.tx.Conversation()
		if err != nil {
			return err
		}
		if core.Status != models.StatusDraft {
			return fmt.Errorf("ref is frozen after publish: %w", models.ErrBadData)
		}
	}
	if err := checkParent(ac, models.CompConversations, ""); err != nil {
		return err
	}
	if ref != "" {
		if err := ac.tx.SetRef(ref); err != nil {
			return err
		}
	}
	if subject != "" {
		if err := ac.tx.SetSubject(subject); err != nil {
			return err
		}
	}
	ac.saveData = map[string]any{}
	if subject != "" {
		ac.saveData["subject"] = subject
	}
	if ref != "" {
		ac.saveData["ref"] = ref
	}
	ac.pushData = ac.saveData
	return nil
}

// publishConversation moves a draft to active: the conversation id is
// recomputed from (publisher, publish time, ref), the store is re-keyed
// under the new id and the full snapshot is exported for propagation.
func (e *Engine) publishConversation(ac *applyCtx) error {
	a := ac.action
	if a.IsRemote() {
		return fmt.Errorf("publish is a local-only verb: %w", models.ErrBadData)
	}
	if ac.actor.Permissions != models.PermFull {
		return fmt.Errorf("publish requires full permission: %w", models.ErrInsufficientPermissions)
	}
	core, err := ac.tx.Conversation()
	if err != nil {
		return err
	}
	if core.Status != models.StatusDraft {
		return fmt.Errorf("cannot publish %s conversation: %w", core.Status, models.ErrBadData)
	}

	ref := core.Ref
	if ref == "" {
		ref = core.Subject
	}
	newID := models.ConvID(a.Actor, a.Timestamp, ref)

	if err := ac.tx.SetStatus(models.StatusActive); err != nil {
		return err
	}
	if err := ac.tx.SetPublishedID(newID); err != nil {
		return err
	}

	snapshot, err := exportSnapshot(ac, a.Actor, a.Timestamp, ref, core.Subject)
	if err != nil {
		return err
	}
	ac.newConvID = newID
	ac.saveData = map[string]any{"ref": ref}
	ac.pushData = snapshot
	return nil
}
