package engine

import (
	"fmt"

	"em2/pkg/models"
)

func (e *Engine) addMessage(ac *applyCtx) error {
	a := ac.action
	if err := requireWrite(ac.actor); err != nil {
		return err
	}
	body := strField(a.Body, "body")
	if body == "" {
		return fmt.Errorf("message body missing: %w", models.ErrBadData)
	}
	parent := strField(a.Body, "parent")

	msgID := models.MsgID(a.Actor, a.Timestamp, body, parent)
	if a.IsRemote() && a.Item != msgID {
		return fmt.Errorf("message id %s: %w", a.Item, models.ErrBadHash)
	}

	if err := ac.tx.AddMessage(models.Message{
		ID:        msgID,
		Author:    ac.actor.ID,
		Timestamp: a.Timestamp,
		Body:      body,
		Parent:    parent,
	}); err != nil {
		return err
	}

	ac.itemID = msgID
	ac.saveData = map[string]any{"body": body, "parent": parent}
	ac.pushData = ac.saveData
	return nil
}

// getTarget fetches the addressed message and enforces the locking rule for
// edit/delete.
func getTarget(ac *applyCtx, mustBeUnlocked bool) (*models.Message, error) {
	if ac.action.Item == "" {
		return nil, fmt.Errorf("message id missing: %w", models.ErrBadData)
	}
	m, err := ac.tx.GetMessage(ac.action.Item)
	if err != nil {
		return nil, err
	}
	if mustBeUnlocked && m.Locked {
		return nil, fmt.Errorf("message %s: %w", m.ID, models.ErrComponentLocked)
	}
	return m, nil
}

func (e *Engine) editMessage(ac *applyCtx) error {
	m, err := getTarget(ac, true)
	if err != nil {
		return err
	}
	if err := requireOwn(ac.actor, m.Author); err != nil {
		return err
	}
	body := strField(ac.action.Body, "body")
	if body == "" {
		return fmt.Errorf("message body missing: %w", models.ErrBadData)
	}
	if err := checkParent(ac, models.CompMessages, m.ID); err != nil {
		return err
	}
	if err := ac.tx.EditMessage(m.ID, body, ac.action.Timestamp); err != nil {
		return err
	}
	ac.saveData = map[string]any{"body": body}
	ac.pushData = ac.saveData
	return nil
}

// deltaEditMessage appends a delta to the message body instead of replacing
// it, so two platforms exchanging small edits do not ship whole bodies.
func (e *Engine) deltaEditMessage(ac *applyCtx) error {
	m, err := getTarget(ac, true)
	if err != nil {
		return err
	}
	if err := requireOwn(ac.actor, m.Author); err != nil {
		return err
	}
	delta := strField(ac.action.Body, "delta")
	if delta == "" {
		return fmt.Errorf("delta missing: %w", models.ErrBadData)
	}
	if err := checkParent(ac, models.CompMessages, m.ID); err != nil {
		return err
	}
	if err := ac.tx.EditMessage(m.ID, m.Body+delta, ac.action.Timestamp); err != nil {
		return err
	}
	ac.saveData = map[string]any{"delta": delta}
	ac.pushData = ac.saveData
	return nil
}

func (e *Engine) deleteMessage(ac *applyCtx) error {
	m, err := getTarget(ac, true)
	if err != nil {
		return err
	}
	if err := requireOwn(ac.actor, m.Author); err != nil {
		return err
	}
	if err := checkParent(ac, models.CompMessages, m.ID); err != nil {
		return err
	}
	return ac.tx.DeleteMessage(m.ID)
}

func (e *Engine) lockMessage(ac *applyCtx) error {
	m, err := getTarget(ac, false)
	if err != nil {
		return err
	}
	if m.Locked {
		return fmt.Errorf("message %s already locked: %w", m.ID, models.ErrComponentLocked)
	}
	if err := requireOwn(ac.actor, m.Author); err != nil {
		return err
	}
	if err := checkParent(ac, models.CompMessages, m.ID); err != nil {
		return err
	}
	return ac.tx.SetMessageLocked(m.ID, true)
}

func (e *Engine) unlockMessage(ac *applyCtx) error {
	m, err := getTarget(ac, false)
	if err != nil {
		return err
	}
	if !m.Locked {
		return fmt.Errorf("message %s not locked: %w", m.ID, models.ErrComponentNotLocked)
	}
	if err := requireWrite(ac.actor); err != nil {
		return err
	}
	if err := checkParent(ac, models.CompMessages, m.ID); err != nil {
		return err
	}
	return ac.tx.SetMessageLocked(m.ID, false)
}
