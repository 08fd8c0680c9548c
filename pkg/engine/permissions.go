package engine

import (
	"fmt"

	"em2/pkg/models"
)

// requireWrite gates the mutating verbs: only full and write permission may
// add, edit, delete, lock or unlock.
func requireWrite(actor *models.Participant) error {
	if actor.Permissions == models.PermFull || actor.Permissions == models.PermWrite {
		return nil
	}
	return fmt.Errorf("%s has %s permission: %w", actor.Address, actor.Permissions, models.ErrInsufficientPermissions)
}

// requireOwn additionally restricts write-permission actors to items they
// authored themselves; touching another author's item needs full.
func requireOwn(actor *models.Participant, authorID int64) error {
	if err := requireWrite(actor); err != nil {
		return err
	}
	if actor.Permissions == models.PermFull || actor.ID == authorID {
		return nil
	}
	return fmt.Errorf("%s may not modify another author's item: %w", actor.Address, models.ErrInsufficientPermissions)
}

func strField(body map[string]any, key string) string {
	if body == nil {
		return ""
	}
	v, _ := body[key].(string)
	return v
}
