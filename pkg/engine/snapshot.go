package engine

import (
	"fmt"
	"time"

	"em2/pkg/hashid"
	"em2/pkg/models"
)

// exportSnapshot builds the full conversation image pushed to remote
// platforms when a conversation is published.
func exportSnapshot(ac *applyCtx, creator string, ts time.Time, ref, subject string) (map[string]any, error) {
	parts, err := ac.tx.Participants()
	if err != nil {
		return nil, err
	}
	msgs, err := ac.tx.Messages()
	if err != nil {
		return nil, err
	}

	addrOf := make(map[int64]string, len(parts))
	for _, p := range parts {
		addrOf[p.ID] = p.Address
	}

	pl := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		pl = append(pl, map[string]any{"address": p.Address, "permissions": string(p.Permissions)})
	}
	ml := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		ml = append(ml, map[string]any{
			"id":        m.ID,
			"author":    addrOf[m.Author],
			"timestamp": hashid.TS(m.Timestamp),
			"body":      m.Body,
			"parent":    m.Parent,
		})
	}
	return map[string]any{
		"creator":      creator,
		"timestamp":    hashid.TS(ts),
		"ref":          ref,
		"subject":      subject,
		"participants": pl,
		"messages":     ml,
	}, nil
}

type snapshotMsg struct {
	id, author, body, parent string
	ts                       time.Time
}

// importSnapshot materializes a conversation pushed by a remote platform.
// The snapshot is validated wholesale; any structural defect rejects the
// whole action and nothing is persisted.
func (e *Engine) importSnapshot(ac *applyCtx) error {
	a := ac.action
	body := a.Body

	creator := strField(body, "creator")
	ref := strField(body, "ref")
	subject := strField(body, "subject")
	tsStr := strField(body, "timestamp")
	if creator == "" || ref == "" || subject == "" || tsStr == "" {
		return fmt.Errorf("snapshot missing core fields: %w", models.ErrMisshapedData)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return fmt.Errorf("snapshot timestamp %q: %w", tsStr, models.ErrMisshapedData)
	}
	if a.Actor != creator {
		return fmt.Errorf("snapshot creator %s is not the actor: %w", creator, models.ErrBadData)
	}

	// the conversation id is content-addressed; recompute and reject tampering
	if computed := models.ConvID(creator, ts, ref); computed != a.Conv {
		return fmt.Errorf("conversation id %s: %w", a.Conv, models.ErrBadHash)
	}

	rawParts, ok := body["participants"].([]any)
	if !ok || len(rawParts) == 0 {
		return fmt.Errorf("snapshot participants missing: %w", models.ErrMisshapedData)
	}
	type snapPart struct {
		address string
		perm    models.Permission
	}
	parts := make([]snapPart, 0, len(rawParts))
	creatorSeen := false
	for _, rp := range rawParts {
		pm, ok := rp.(map[string]any)
		if !ok {
			return fmt.Errorf("snapshot participant entry: %w", models.ErrMisshapedData)
		}
		addr := strField(pm, "address")
		perm := models.Permission(strField(pm, "permissions"))
		if addr == "" || !perm.Valid() {
			return fmt.Errorf("snapshot participant %q: %w", addr, models.ErrMisshapedData)
		}
		if addr == creator {
			creatorSeen = true
		}
		parts = append(parts, snapPart{addr, perm})
	}
	if !creatorSeen {
		return fmt.Errorf("snapshot creator not among participants: %w", models.ErrMisshapedData)
	}

	rawMsgs, _ := body["messages"].([]any)
	msgs := make([]snapshotMsg, 0, len(rawMsgs))
	seen := map[string]bool{}
	var prevTS time.Time
	for i, rm := range rawMsgs {
		mm, ok := rm.(map[string]any)
		if !ok {
			return fmt.Errorf("snapshot message entry: %w", models.ErrMisshapedData)
		}
		m := snapshotMsg{
			id:     strField(mm, "id"),
			author: strField(mm, "author"),
			body:   strField(mm, "body"),
			parent: strField(mm, "parent"),
		}
		if m.id == "" || m.author == "" || m.body == "" {
			return fmt.Errorf("snapshot message %d incomplete: %w", i, models.ErrMisshapedData)
		}
		if seen[m.id] {
			return fmt.Errorf("duplicate message id %s: %w", m.id, models.ErrMisshapedData)
		}
		seen[m.id] = true
		m.ts, err = time.Parse(time.RFC3339Nano, strField(mm, "timestamp"))
		if err != nil {
			return fmt.Errorf("snapshot message %d timestamp: %w", i, models.ErrMisshapedData)
		}
		// message ids are content-addressed; recompute and reject tampering
		if m.id != models.MsgID(m.author, m.ts, m.body, m.parent) {
			return fmt.Errorf("message id %s: %w", m.id, models.ErrBadHash)
		}
		// the parent chain starts with null and timestamps strictly increase
		if i == 0 {
			if m.parent != "" {
				return fmt.Errorf("first message must have no parent: %w", models.ErrMisshapedData)
			}
		} else {
			if m.parent == "" || !seen[m.parent] {
				return fmt.Errorf("message %s parent %q unknown: %w", m.id, m.parent, models.ErrMisshapedData)
			}
			if !m.ts.After(prevTS) {
				return fmt.Errorf("message timestamps not increasing: %w", models.ErrMisshapedData)
			}
		}
		prevTS = m.ts
		msgs = append(msgs, m)
	}

	if err := ac.tx.CreateConversation(models.Conversation{
		ID:        a.Conv,
		Creator:   creator,
		CreatedAt: ts,
		Ref:       ref,
		Subject:   subject,
		Status:    models.StatusPending,
	}); err != nil {
		return err
	}
	idOf := make(map[string]int64, len(parts))
	for _, p := range parts {
		id, err := ac.tx.AddParticipant(p.address, p.perm)
		if err != nil {
			return err
		}
		idOf[p.address] = id
	}
	for _, m := range msgs {
		author, ok := idOf[m.author]
		if !ok {
			return fmt.Errorf("message author %s not a participant: %w", m.author, models.ErrMisshapedData)
		}
		if err := ac.tx.AddMessage(models.Message{
			ID:        m.id,
			Author:    author,
			Timestamp: m.ts,
			Body:      m.body,
			Parent:    m.parent,
		}); err != nil {
			return err
		}
	}

	ac.saveData = map[string]any{"subject": subject, "ref": ref}
	return nil
}
