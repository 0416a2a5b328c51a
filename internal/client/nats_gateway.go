package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

// Publisher is the subset of *nats.Conn the gateway needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSGateway publishes terminal outcomes to NATS so the system that owns the
// linked entity (a leave request, a purchase order) can react.
//
// Subject convention: <prefix>.<subject_type>.<outcome>, for example
// workflows.workflow_instance.approved.
type NATSGateway struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
}

// CompletionEvent is the JSON schema published to NATS.
type CompletionEvent struct {
	EventType   string    `json:"event_type"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	TenantID    string    `json:"tenant_id"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Outcome     string    `json:"outcome"`
	ActorID     string    `json:"actor_id"`
	Comments    string    `json:"comments,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

var _ service.Gateway = (*NATSGateway)(nil)

// NewNATSGateway creates a gateway publishing through pub.
func NewNATSGateway(pub Publisher, prefix string, log *logger.Logger) *NATSGateway {
	if prefix == "" {
		prefix = "workflows"
	}
	return &NATSGateway{pub: pub, prefix: prefix, log: log}
}

// Connect dials NATS with reconnect logging.
func Connect(url, name string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject a completion is published on.
func (g *NATSGateway) Subject(c service.Completion) string {
	return fmt.Sprintf("%s.%s.%s", g.prefix, c.SubjectType, strings.ToLower(string(c.Outcome)))
}

// OnWorkflowComplete publishes c. Errors are returned to the engine, which
// logs them and keeps the committed transition.
func (g *NATSGateway) OnWorkflowComplete(ctx context.Context, c service.Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := &CompletionEvent{
		EventType:   "workflow.completed",
		SubjectType: string(c.SubjectType),
		SubjectID:   c.SubjectID,
		TenantID:    c.TenantID,
		EntityType:  deref(c.EntityType),
		EntityID:    deref(c.EntityID),
		Outcome:     string(c.Outcome),
		ActorID:     c.ActorID,
		Comments:    deref(c.Comments),
		CompletedAt: c.CompletedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	subject := g.Subject(c)
	if err := g.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	g.log.Debug().
		Str("subject", subject).
		Str("subject_id", c.SubjectID).
		Msg("gateway: completion published")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
