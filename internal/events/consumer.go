package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/avenirsoft/crmcore/internal/bus"
	"github.com/avenirsoft/crmcore/internal/reqctx"
)

// Recorder is the idempotency record the consumer consults before and after
// running a handler.
type Recorder interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

// HandlerFunc processes one decoded event. Returning an error leaves the
// event unmarked so a redelivery retries it.
type HandlerFunc func(ctx context.Context, env *Envelope) error

// Consumer dispatches enveloped events to registered handlers exactly once
// per event id. Registration happens at startup, before Start; the consumer
// is not safe for concurrent registration afterwards.
type Consumer struct {
	store    Recorder
	logger   *slog.Logger
	handlers map[string]HandlerFunc
	order    []string
}

// NewConsumer creates a consumer over the given idempotency record.
func NewConsumer(store Recorder, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		store:    store,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a subject. Registering the same subject twice
// replaces the earlier handler.
func (c *Consumer) Register(subject string, h HandlerFunc) {
	if _, dup := c.handlers[subject]; !dup {
		c.order = append(c.order, subject)
	}
	c.handlers[subject] = h
}

// Start subscribes every registered subject on the bus under the given queue
// group and returns the live subscriptions.
func (c *Consumer) Start(conn *bus.Conn, queue string) ([]*bus.Subscription, error) {
	subs := make([]*bus.Subscription, 0, len(c.order))
	for _, subject := range c.order {
		sub, err := conn.SubscribeRaw(subject, queue, c.Handle)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Handle runs the idempotent delivery state machine for one raw message:
// decode, skip if already processed, run the handler, then mark processed.
// A non-nil return means the event was not marked and may be redelivered.
func (c *Consumer) Handle(ctx context.Context, subject string, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope on %s: %w", subject, err)
	}
	if env.EventID == "" {
		return fmt.Errorf("event on %s has no event id", subject)
	}
	if env.EventType == "" {
		env.EventType = EventTypeFromSubject(subject)
	}

	rc := reqctx.New(reqctx.KindAsync, env.CorrelationID, env.Caller())
	ctx = reqctx.NewContext(ctx, rc)
	log := c.logger.With("event_id", env.EventID, "event_type", env.EventType)

	seen, err := c.store.Exists(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("idempotency check for %s: %w", env.EventID, err)
	}
	if seen {
		log.DebugContext(ctx, "event already processed, skipping")
		return nil
	}

	handler, ok := c.handlers[subject]
	if !ok {
		// Subscribed but unregistered: acknowledge without side effects.
		log.WarnContext(ctx, "no handler registered for subject", "subject", subject)
		return nil
	}

	if err := handler(ctx, &env); err != nil {
		return fmt.Errorf("handle %s: %w", env.EventType, err)
	}

	if err := c.store.MarkProcessed(ctx, env.EventID, env.EventType); err != nil {
		// The side effect ran but the record was not written; redelivery will
		// re-run the handler, which is the at-least-once tradeoff.
		return fmt.Errorf("mark %s processed: %w", env.EventID, err)
	}

	log.InfoContext(ctx, "event processed")
	return nil
}
