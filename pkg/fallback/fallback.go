// Package fallback delivers actions as email to participants whose
// platform cannot be determined to run em2.
package fallback

import (
	"context"
	"fmt"
	"html"

	"em2/pkg/logger"
	"em2/pkg/models"
	"em2/pkg/telemetry"
)

// Transport sends a rendered message. Implementations: SES, Log.
type Transport interface {
	SendMessage(ctx context.Context, from string, to, bcc []string, subject, plain, htmlBody string) (string, error)
}

type Handler struct {
	transport Transport
	sender    string
}

// New builds a Handler. sender is the verified From address to send as;
// when empty the acting participant's address is used.
func New(t Transport, sender string) *Handler {
	return &Handler{transport: t, sender: sender}
}

// Push renders the action as email and delivers it to the fallback
// addresses. The actor is the From address; everyone else goes in To.
func (h *Handler) Push(ctx context.Context, component models.Component, verb models.Verb, actor string, addresses []string, subject string, payload map[string]any) error {
	to := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a != actor {
			to = append(to, a)
		}
	}
	if len(to) == 0 {
		return nil
	}

	plain, err := renderBody(component, verb, actor, payload)
	if err != nil {
		return err
	}

	from := h.sender
	if from == "" {
		from = actor
	}
	msgID, err := h.transport.SendMessage(ctx, from, to, nil, subject, plain, toHTML(plain))
	if err != nil {
		telemetry.FallbackSends.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", models.ErrFallbackPush, err)
	}
	telemetry.FallbackSends.WithLabelValues("ok").Inc()
	logger.Info("fallback_sent", "message_id", msgID, "recipients", len(to))
	return nil
}

// renderBody maps (component, verb) to an email body. Pairs without a
// defined rendering are rejected; the caller logs and drops them.
func renderBody(component models.Component, verb models.Verb, actor string, payload map[string]any) (string, error) {
	switch {
	case component == models.CompMessages && verb == models.VerbAdd:
		body, _ := payload["body"].(string)
		if body == "" {
			return "", fmt.Errorf("message body missing: %w", models.ErrFallbackPush)
		}
		return body, nil
	case component == models.CompParticipants && verb == models.VerbAdd:
		address, _ := payload["address"].(string)
		return fmt.Sprintf("%s added %s to the conversation", actor, address), nil
	case component == models.CompParticipants && verb == models.VerbDelete:
		address, _ := payload["address"].(string)
		if address == "" {
			address = "a participant"
		}
		return fmt.Sprintf("%s removed %s from the conversation", actor, address), nil
	case component == models.CompConversations && verb == models.VerbAdd:
		// published conversation introduction: show the latest message
		if body := lastSnapshotBody(payload); body != "" {
			return body, nil
		}
		return fmt.Sprintf("%s started a conversation with you", actor), nil
	}
	return "", fmt.Errorf("no email rendering for %s %s: %w", verb, component, models.ErrFallbackPush)
}

// lastSnapshotBody digs the newest message body out of a conversation
// snapshot, tolerating both in-process and JSON-decoded list shapes.
func lastSnapshotBody(payload map[string]any) string {
	switch msgs := payload["messages"].(type) {
	case []map[string]any:
		if len(msgs) > 0 {
			body, _ := msgs[len(msgs)-1]["body"].(string)
			return body
		}
	case []any:
		if len(msgs) > 0 {
			if m, ok := msgs[len(msgs)-1].(map[string]any); ok {
				body, _ := m["body"].(string)
				return body
			}
		}
	}
	return ""
}

func toHTML(plain string) string {
	return "<p>" + html.EscapeString(plain) + "</p>\n"
}
