package engine

import (
	"fmt"
	"strings"

	"em2/pkg/models"
)

func (e *Engine) addParticipant(ac *applyCtx) error {
	a := ac.action
	if err := requireWrite(ac.actor); err != nil {
		return err
	}
	address := strField(a.Body, "address")
	if !strings.Contains(address, "@") {
		return fmt.Errorf("invalid participant address %q: %w", address, models.ErrBadData)
	}
	perm := models.Permission(strField(a.Body, "permissions"))
	if perm == "" {
		perm = models.PermWrite
	}
	if !perm.Valid() {
		return fmt.Errorf("invalid permissions %q: %w", perm, models.ErrBadData)
	}
	// granting full is itself a full-permission operation
	if perm == models.PermFull && ac.actor.Permissions != models.PermFull {
		return fmt.Errorf("granting full requires full permission: %w", models.ErrInsufficientPermissions)
	}
	if _, err := ac.tx.AddParticipant(address, perm); err != nil {
		return err
	}
	ac.itemID = address
	ac.saveData = map[string]any{"address": address, "permissions": string(perm)}
	ac.pushData = ac.saveData
	return nil
}

func (e *Engine) editParticipant(ac *applyCtx) error {
	a := ac.action
	if a.Item == "" {
		return fmt.Errorf("participant address missing: %w", models.ErrBadData)
	}
	if err := requireWrite(ac.actor); err != nil {
		return err
	}
	// write-permission actors may only touch their own entry
	if ac.actor.Permissions != models.PermFull && a.Item != ac.actor.Address {
		return fmt.Errorf("%s may not modify other participants: %w", ac.actor.Address, models.ErrInsufficientPermissions)
	}
	perm := models.Permission(strField(a.Body, "permissions"))
	if !perm.Valid() {
		return fmt.Errorf("invalid permissions %q: %w", perm, models.ErrBadData)
	}
	if perm == models.PermFull && ac.actor.Permissions != models.PermFull {
		return fmt.Errorf("granting full requires full permission: %w", models.ErrInsufficientPermissions)
	}
	if err := checkParent(ac, models.CompParticipants, a.Item); err != nil {
		return err
	}
	if err := ac.tx.SetParticipantPermissions(a.Item, perm); err != nil {
		return err
	}
	ac.saveData = map[string]any{"permissions": string(perm)}
	ac.pushData = ac.saveData
	return nil
}

func (e *Engine) deleteParticipant(ac *applyCtx) error {
	a := ac.action
	if a.Item == "" {
		return fmt.Errorf("participant address missing: %w", models.ErrBadData)
	}
	if err := requireWrite(ac.actor); err != nil {
		return err
	}
	if ac.actor.Permissions != models.PermFull && a.Item != ac.actor.Address {
		return fmt.Errorf("%s may not remove other participants: %w", ac.actor.Address, models.ErrInsufficientPermissions)
	}
	if err := checkParent(ac, models.CompParticipants, a.Item); err != nil {
		return err
	}
	parts, err := ac.tx.Participants()
	if err != nil {
		return err
	}
	// a conversation with no participants could never be acted on again
	if len(parts) == 1 && parts[0].Address == a.Item {
		return fmt.Errorf("cannot remove the last participant: %w", models.ErrBadData)
	}
	return ac.tx.RemoveParticipant(a.Item)
}
