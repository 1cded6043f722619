// Package events defines the domain event subjects, the JSON envelope every
// event travels in, and the idempotent consumer contract.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avenirsoft/crmcore/internal/bus"
	"github.com/avenirsoft/crmcore/internal/codec"
	"github.com/avenirsoft/crmcore/internal/reqctx"
)

// Event subject constants. The event type tag recorded in the idempotency
// table is the subject with the "crm.events." prefix stripped.
const (
	SubjectClientCreated = "crm.events.client.created"
	SubjectClientUpdated = "crm.events.client.updated"
	SubjectClientDeleted = "crm.events.client.deleted"

	SubjectInvoiceCreated = "crm.events.invoice.created"
	SubjectInvoicePaid    = "crm.events.invoice.paid"
	SubjectInvoiceOverdue = "crm.events.invoice.overdue"

	SubjectPaymentSucceeded = "crm.events.payment.succeeded"
	SubjectPaymentFailed    = "crm.events.payment.failed"

	SubjectEmailSent    = "crm.events.email.sent"
	SubjectEmailBounced = "crm.events.email.bounced"

	SubjectUserCreated     = "crm.events.user.created"
	SubjectUserRoleChanged = "crm.events.user.role_changed"
)

const subjectPrefix = "crm.events."

// EventTypeFromSubject derives the event type tag from a subject.
func EventTypeFromSubject(subject string) string {
	return strings.TrimPrefix(subject, subjectPrefix)
}

// Envelope is the JSON wrapper around every domain event payload.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	InitiatedBy   string          `json:"initiatedBy,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps data in an envelope, stamping a fresh event id plus the
// correlation id and caller from the request context when present.
func NewEnvelope(ctx context.Context, eventType string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: reqctx.CorrelationID(ctx),
		InitiatedBy:   reqctx.Caller(ctx),
		Data:          raw,
	}, nil
}

// Caller returns the identity behind the event: the explicit InitiatedBy
// field when set, otherwise a best-effort scan of conventional payload fields.
func (e *Envelope) Caller() string {
	if e.InitiatedBy != "" {
		return e.InitiatedBy
	}
	var payload map[string]any
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return ""
	}
	return reqctx.CallerFromPayload(payload)
}

// Publisher is the interface services use to emit domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close() error
}

// BusPublisher publishes enveloped events through the connection manager.
type BusPublisher struct {
	conn *bus.Conn
}

// NewBusPublisher wraps an already-connected bus.
func NewBusPublisher(conn *bus.Conn) *BusPublisher {
	return &BusPublisher{conn: conn}
}

func (p *BusPublisher) Publish(ctx context.Context, subject string, data any) error {
	env, err := NewEnvelope(ctx, EventTypeFromSubject(subject), data)
	if err != nil {
		return err
	}
	return p.conn.Publish(ctx, subject, env, codec.JSON)
}

// Close is a no-op; the bus connection is owned by the service, not the
// publisher.
func (p *BusPublisher) Close() error { return nil }

// NoopPublisher is a Publisher that does nothing (used when the broker is
// not configured).
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, data any) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
