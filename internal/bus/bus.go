// Package bus owns the single logical connection every service holds to the
// message broker. It layers bounded-retry connection establishment, codec
// aware publish/subscribe/request primitives, and a drain-based shutdown on
// top of the NATS client.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avenirsoft/crmcore/internal/codec"
	"github.com/avenirsoft/crmcore/internal/reqctx"
)

// Status is the connection lifecycle state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDraining
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDraining:
		return "draining"
	default:
		return "disconnected"
	}
}

// Config controls the broker connection.
type Config struct {
	URLs                 []string
	Name                 string
	MaxReconnectAttempts int           // default 10
	ReconnectWait        time.Duration // default 2s
	RequestTimeout       time.Duration // default 5s, used when Request gets timeout 0
}

func (c Config) withDefaults() Config {
	if len(c.URLs) == 0 {
		c.URLs = []string{nats.DefaultURL}
	}
	if c.Name == "" {
		c.Name = "crm-service"
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// statusChange is one observed connection state transition, fed to the
// supervisor goroutine by the NATS client handlers.
type statusChange struct {
	kind string // "disconnect", "reconnect", "error", "lame_duck", "closed"
	err  error
}

// Subscription is one registered subject handler. It is owned by whichever
// component registered it and torn down during Drain.
type Subscription struct {
	Subject string
	Queue   string
	sub     *nats.Subscription
}

// Unsubscribe removes the subscription from the broker.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Conn is the connection manager. All components publish and subscribe
// through it; none touch the raw NATS connection directly.
type Conn struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	nc     *nats.Conn
	status Status
	subs   []*Subscription

	statusCh chan statusChange
	done     chan struct{}
}

// New creates a connection manager. Call Connect before using it.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Conn{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

// Connect establishes the broker connection, retrying up to
// MaxReconnectAttempts with ReconnectWait between attempts. On success it
// starts the status supervisor goroutine. On exhaustion it returns
// ErrConnectionExhausted wrapping the last cause; the caller should treat
// that as fatal.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	c.statusCh = make(chan statusChange, 16)
	c.done = make(chan struct{})

	url := strings.Join(c.cfg.URLs, ",")
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(c.cfg.MaxReconnectAttempts),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.notify(statusChange{kind: "disconnect", err: err})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.notify(statusChange{kind: "reconnect"})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.notify(statusChange{kind: "error", err: err})
		}),
		nats.LameDuckModeHandler(func(_ *nats.Conn) {
			c.notify(statusChange{kind: "lame_duck"})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.notify(statusChange{kind: "closed"})
		}),
	}

	var lastErr error
	maxAttempts := c.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			c.mu.Lock()
			c.nc = nc
			c.status = StatusConnected
			c.mu.Unlock()

			c.logger.Info("connected to broker", "urls", url, "attempt", attempt)
			go c.supervise()
			return nil
		}

		lastErr = err
		c.logger.Warn("broker connect failed",
			"attempt", attempt, "max_attempts", maxAttempts, "err", err)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectWait):
		}
	}

	c.setStatus(StatusDisconnected)
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, maxAttempts, lastErr)
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Status reports the current connection lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) notify(ch statusChange) {
	select {
	case c.statusCh <- ch:
	default:
		// Supervisor is behind; state transitions are log-only, dropping
		// one is acceptable.
	}
}

// supervise is the single goroutine consuming connection state transitions.
// Reconnection itself happens inside the NATS client; this loop only
// observes and logs.
func (c *Conn) supervise() {
	for {
		select {
		case <-c.done:
			return
		case ch := <-c.statusCh:
			switch ch.kind {
			case "disconnect":
				c.logger.Warn("broker disconnected", "err", ch.err)
			case "reconnect":
				c.metrics.Reconnects.Inc()
				c.logger.Info("broker reconnected")
			case "error":
				c.logger.Error("broker async error", "err", ch.err)
			case "lame_duck":
				c.logger.Warn("broker entering lame duck mode, expect server shutdown")
			case "closed":
				c.logger.Info("broker connection closed")
			}
		}
	}
}

// conn returns the live NATS connection or ErrNotConnected.
func (c *Conn) conn() (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil || c.status != StatusConnected || c.nc.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.nc, nil
}

// Publish encodes v with cdc and sends it on subject. Delivery is
// at-most-once from the sender's perspective.
func (c *Conn) Publish(ctx context.Context, subject string, v any, cdc codec.Codec) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	data, err := cdc.Encode(v)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	c.metrics.Published.WithLabelValues(subject).Inc()
	c.logger.DebugContext(ctx, "published message", "subject", subject, "codec", cdc.Name())
	return nil
}

// Request publishes req on subject and decodes the single reply into resp.
// A timeout of 0 uses the configured default. Returns ErrTimeout when no
// reply arrives in time.
func (c *Conn) Request(ctx context.Context, subject string, req, resp any, cdc codec.Codec, timeout time.Duration) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	data, err := cdc.Encode(req)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, subject)
		}
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return cdc.Decode(msg.Data, resp)
}

// RawHandler receives undecoded message bytes. Returned errors are logged
// and counted but never terminate the subscription loop.
type RawHandler func(ctx context.Context, subject string, data []byte) error

// SubscribeRaw registers a handler for raw message bytes. When queue is
// non-empty the broker load-balances delivery across members of the group
// (competing consumers).
func (c *Conn) SubscribeRaw(subject, queue string, handler RawHandler) (*Subscription, error) {
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}

	cb := func(msg *nats.Msg) {
		ctx := reqctx.NewContext(context.Background(),
			reqctx.New(reqctx.KindAsync, "", ""))
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			c.metrics.Consumed.WithLabelValues(msg.Subject, "error").Inc()
			c.logger.ErrorContext(ctx, "message handler failed",
				"subject", msg.Subject, "err", err)
			return
		}
		c.metrics.Consumed.WithLabelValues(msg.Subject, "ok").Inc()
	}

	var sub *nats.Subscription
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Flush so the subscription is registered server-side before returning.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	s := &Subscription{Subject: subject, Queue: queue, sub: sub}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	c.logger.Info("subscribed", "subject", subject, "queue", queue)
	return s, nil
}

// Subscribe registers a handler that decodes each message with cdc into a
// fresh *T. Decode failures are per-message: logged, counted, and skipped
// without affecting the subscription.
func Subscribe[T any](c *Conn, subject, queue string, cdc codec.Codec, handler func(ctx context.Context, subject string, msg *T) error) (*Subscription, error) {
	return c.SubscribeRaw(subject, queue, func(ctx context.Context, subj string, data []byte) error {
		msg := new(T)
		if err := cdc.Decode(data, msg); err != nil {
			c.metrics.DecodeFailures.WithLabelValues(subj).Inc()
			c.logger.ErrorContext(ctx, "message decode failed",
				"subject", subj, "codec", cdc.Name(), "err", err)
			return err
		}
		return handler(ctx, subj, msg)
	})
}

// JetStream returns the durable-stream handle for consumers that need
// replay/ack semantics.
func (c *Conn) JetStream() (nats.JetStreamContext, error) {
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return js, nil
}

// Drain gracefully shuts the connection down: unsubscribes every active
// subscription, flushes in-flight sends, then closes. In-flight handler
// invocations are allowed to finish.
func (c *Conn) Drain() error {
	c.mu.Lock()
	if c.nc == nil || c.status == StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusDraining
	nc := c.nc
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("unsubscribe during drain failed",
				"subject", s.Subject, "err", err)
		}
	}

	var drainErr error
	if !nc.IsClosed() {
		drainErr = nc.Drain()
	}
	// Wait for the close to complete so callers can tear down dependents.
	deadline := time.After(10 * time.Second)
	for !nc.IsClosed() {
		select {
		case <-deadline:
			nc.Close()
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(c.done)
	c.mu.Lock()
	c.nc = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.logger.Info("broker connection drained")
	return drainErr
}
