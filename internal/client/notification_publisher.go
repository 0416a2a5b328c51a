package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

// NotificationPublisher publishes assignment events to NATS for consumption
// by the notifications service.
//
// Subject convention: notifications.workflows.<event_type>
// Event types: task_assigned, approval_required
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

var _ service.Notifier = (*NotificationPublisher)(nil)

// NewNotificationPublisher creates a publisher backed by pub. An empty prefix
// means "notifications.workflows".
func NewNotificationPublisher(pub Publisher, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.workflows"
	}
	return &NotificationPublisher{pub: pub, prefix: prefix, log: log}
}

// EventType maps an assignment to its notification event type.
func EventType(a service.Assignment) string {
	if a.SubjectType == service.SubjectApprovalRequest {
		return "approval_required"
	}
	return "task_assigned"
}

// OnAssigned publishes a. Assignments without recipients are skipped.
func (p *NotificationPublisher) OnAssigned(ctx context.Context, a service.Assignment) error {
	if len(a.Recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	eventType := EventType(a)
	payload := map[string]any{
		"title":       a.Title,
		"step_id":     a.StepID,
		"step_name":   a.StepName,
		"step_order":  a.StepOrder,
		"assigned_at": a.AssignedAt.Format(time.RFC3339),
	}
	if a.DueAt != nil {
		payload["due_at"] = a.DueAt.Format(time.RFC3339)
	}

	event := &NotificationEvent{
		EventType:    eventType,
		TenantID:     a.TenantID,
		ActorID:      a.ActorID,
		Recipients:   a.Recipients,
		ResourceType: string(a.SubjectType),
		ResourceID:   a.SubjectID,
		IsActionable: true,
		Severity:     "info",
		Category:     "workflow",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", a.SubjectID).
		Int("recipients", len(a.Recipients)).
		Msg("notification: event published")
	return nil
}
