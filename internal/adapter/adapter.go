// Package adapter delivers validated executions to their receivers. Each
// adapter kind owns one transport; the engine picks the dispatcher through a
// Mux keyed by the action's adapter kind.
//
// Dispatchers never retry. The idempotency gate upstream assumes exactly one
// delivery attempt per execution, so a failed attempt is reported as a
// classified error and settled, not repeated.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/kmabbott81/relay-sub007/internal/registry"
)

// Request is a single dispatch: the resolved action definition plus the
// validated, canonicalized input.
type Request struct {
	DeliveryID     string
	WorkspaceID    string
	Action         *registry.ActionDefinition
	IdempotencyKey string
	Input          json.RawMessage
}

// envelope is the delivery payload every adapter sends. It is serialized in
// canonical form so signatures are computed over the exact bytes delivered.
type envelope struct {
	DeliveryID     string          `json:"delivery_id"`
	Action         string          `json:"action"`
	Workspace      string          `json:"workspace"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Input          json.RawMessage `json:"input"`
}

func canonicalEnvelope(req Request) ([]byte, error) {
	raw, err := json.Marshal(envelope{
		DeliveryID:     req.DeliveryID,
		Action:         req.Action.Name,
		Workspace:      req.WorkspaceID,
		IdempotencyKey: req.IdempotencyKey,
		Input:          req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing envelope: %w", err)
	}
	return body, nil
}

// Outcome describes a delivery the receiver accepted.
type Outcome struct {
	// StatusCode is the HTTP status a webhook receiver returned; 0 for
	// queue adapters.
	StatusCode int
	// ResponseDigest is the hex sha256 of the receiver's response body,
	// empty when there is none. Audit stores the digest, never the body.
	ResponseDigest string
	// MessageID is the stream entry id for queue adapters.
	MessageID    string
	DeliveryID   string
	DispatchedAt time.Time
}

// ErrorKind classifies a dispatch failure. Values are stable wire strings;
// they flow into idempotency records and audit events.
type ErrorKind string

const (
	KindUnreachable ErrorKind = "adapter_unreachable"
	KindTimeout     ErrorKind = "adapter_timeout"
	KindRejected    ErrorKind = "adapter_rejected"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind ErrorKind
	// StatusCode is set when Kind is KindRejected.
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// classifyTransport maps a transport-level error to a timeout or an
// unreachable receiver. Deadline errors from either the context or the
// network layer count as timeouts; everything else means the receiver could
// not be reached at all.
func classifyTransport(op string, err error) *Error {
	kind := KindUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: op, Cause: err}
}

// Dispatcher sends one request through a concrete transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Outcome, error)
}

// KindDispatcher is a Dispatcher bound to a single adapter kind.
type KindDispatcher interface {
	Dispatcher
	Kind() registry.AdapterKind
}

// Mux routes each request to the dispatcher registered for the action's
// adapter kind. An unregistered kind is a deployment error, not a receiver
// failure, so it surfaces as a plain error rather than an adapter Error.
type Mux struct {
	dispatchers map[registry.AdapterKind]Dispatcher
}

func NewMux(dispatchers ...KindDispatcher) *Mux {
	m := &Mux{dispatchers: make(map[registry.AdapterKind]Dispatcher, len(dispatchers))}
	for _, d := range dispatchers {
		m.dispatchers[d.Kind()] = d
	}
	return m
}

func (m *Mux) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	d, ok := m.dispatchers[req.Action.AdapterKind]
	if !ok {
		return nil, fmt.Errorf("Dispatch: no dispatcher registered for adapter kind %q", req.Action.AdapterKind)
	}
	return d.Dispatch(ctx, req)
}

var _ Dispatcher = (*Mux)(nil)
