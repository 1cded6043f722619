// Package reqctx carries per-call request metadata (correlation id, caller
// identity) through both synchronous RPC calls and asynchronous events.
package reqctx

import (
	"context"
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Kind distinguishes the two inbound call styles.
type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

// RequestContext is created once per inbound call and discarded when the
// call completes. It is never persisted.
type RequestContext struct {
	CorrelationID string
	Caller        string
	Kind          Kind
	Start         time.Time
}

type ctxKey struct{}

// NewContext returns a child context carrying rc.
func NewContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the RequestContext attached to ctx, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}

// New builds a RequestContext for an inbound call. An empty correlationID is
// replaced with a freshly generated one, so every call has a non-empty id
// before any business logic runs.
func New(kind Kind, correlationID, caller string) *RequestContext {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return &RequestContext{
		CorrelationID: correlationID,
		Caller:        caller,
		Kind:          kind,
		Start:         time.Now(),
	}
}

// CorrelationID returns the correlation id on ctx, or "" when none is set.
func CorrelationID(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.CorrelationID
	}
	return ""
}

// Caller returns the caller identity on ctx, or "" when none is set.
func Caller(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.Caller
	}
	return ""
}

// Alphabet is the character set for the random portion of a correlation id.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters (excluding the prefix).
var Length = 16

// NewCorrelationID generates a new opaque correlation id.
func NewCorrelationID() string {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		// nanoid only fails when the system entropy source does; fall back
		// to a timestamp so the call still gets a usable id.
		return fmt.Sprintf("crm-%d", time.Now().UnixNano())
	}
	return "crm-" + id
}

// callerFields is the fixed precedence order for deriving a caller identity
// from well-known event payload fields. First non-empty wins.
var callerFields = []string{"userId", "initiatedBy", "ownerId", "callerId"}

// CallerFromPayload derives a caller identity from conventional payload
// fields. Best-effort only; this is not a security boundary.
func CallerFromPayload(payload map[string]any) string {
	for _, field := range callerFields {
		if v, ok := payload[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
