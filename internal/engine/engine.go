// Package engine orchestrates the relay pipeline: token verification, schema
// validation, rate admission, idempotency resolution, adapter dispatch, and
// audit recording. Every gate fails closed; an error from any store is a
// rejection, never a pass-through.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/adapter"
	"github.com/kmabbott81/relay-sub007/internal/audit"
	"github.com/kmabbott81/relay-sub007/internal/auth"
	"github.com/kmabbott81/relay-sub007/internal/idempotency"
	"github.com/kmabbott81/relay-sub007/internal/ratelimit"
	"github.com/kmabbott81/relay-sub007/internal/registry"
	"github.com/kmabbott81/relay-sub007/internal/schema"
	"github.com/kmabbott81/relay-sub007/internal/token"
)

// Engine composes the relay's components into the request pipeline.
type Engine struct {
	registry   registry.ActionRegistry
	validator  *schema.Validator
	issuer     *token.Issuer
	admitter   ratelimit.Admitter
	idem       idempotency.Store
	dispatcher adapter.Dispatcher
	recorder   audit.Recorder
	logger     *zap.Logger

	defaultPolicy ratelimit.Policy
	validateAll   bool
	inflightWait  time.Duration
	now           func() time.Time
}

// Config wires an Engine. All component fields are required.
type Config struct {
	Registry    registry.ActionRegistry
	Validator   *schema.Validator
	Issuer      *token.Issuer
	Admitter    ratelimit.Admitter
	Idempotency idempotency.Store
	Dispatcher  adapter.Dispatcher
	Recorder    audit.Recorder
	Logger      *zap.Logger

	// DefaultPolicy applies to workspaces without per-workspace overrides.
	DefaultPolicy ratelimit.Policy
	// ValidateAll reports every schema violation instead of the first.
	ValidateAll bool
	// InFlightWait > 0 makes concurrent duplicates wait for the owner to
	// settle instead of returning a conflict immediately.
	InFlightWait time.Duration
}

func New(cfg Config) *Engine {
	return &Engine{
		registry:      cfg.Registry,
		validator:     cfg.Validator,
		issuer:        cfg.Issuer,
		admitter:      cfg.Admitter,
		idem:          cfg.Idempotency,
		dispatcher:    cfg.Dispatcher,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
		defaultPolicy: cfg.DefaultPolicy,
		validateAll:   cfg.ValidateAll,
		inflightWait:  cfg.InFlightWait,
		now:           time.Now,
	}
}

// ActionSummary is the discovery view of an action. Adapter endpoints are
// never exposed to clients.
type ActionSummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
	AdapterKind string          `json:"adapter_kind"`
	RateClass   string          `json:"rate_class"`
}

// PreviewResult is a minted execution token and its binding.
type PreviewResult struct {
	Token     string
	ExpiresAt time.Time
	Action    string
	InputHash string
}

// ExecuteResult is a settled execution. Payload is the exact response body;
// replays return the stored bytes unchanged.
type ExecuteResult struct {
	Payload        json.RawMessage
	IdempotencyKey string
	Replayed       bool
	Rate           *ratelimit.Decision
}

// executeOutcome is the client-visible outcome object. Marshaled once at
// completion and stored with the idempotency record.
type executeOutcome struct {
	Success        bool      `json:"success"`
	Action         string    `json:"action"`
	DeliveryID     string    `json:"delivery_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseDigest string    `json:"response_digest,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	DispatchedAt   time.Time `json:"dispatched_at"`
}

type executeBody struct {
	Outcome executeOutcome `json:"outcome"`
}

// ListActions returns the workspace's visible actions in stable name order.
func (e *Engine) ListActions(ctx context.Context, ws *auth.WorkspaceContext) ([]ActionSummary, error) {
	start := e.now()
	ev := e.newEvent(ws, audit.OpList, "")

	defs, err := e.registry.List(ctx, ws.ID)
	if err != nil {
		return nil, e.internal(ev, start, "listing actions", err)
	}

	summaries := make([]ActionSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, ActionSummary{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			AdapterKind: string(def.AdapterKind),
			RateClass:   def.RateClass,
		})
	}

	ev.Outcome = audit.OutcomeOK
	e.record(ev, start)
	return summaries, nil
}

// Preview validates input against the action's schema and mints an execution
// token bound to the workspace, the action, and the canonical input hash.
func (e *Engine) Preview(ctx context.Context, ws *auth.WorkspaceContext, actionName string, input json.RawMessage) (*PreviewResult, error) {
	start := e.now()
	ev := e.newEvent(ws, audit.OpPreview, actionName)

	def, err := e.registry.Get(ctx, ws.ID, actionName)
	if err != nil {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.internal(ev, start, "resolving action", err)
	}
	if def == nil {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.reject(ev, start, errf(KindNotFound, "action not found"))
	}
	ev.InputRedacted = redactInput(def.InputSchema, input)

	if err := e.validator.Validate(def.InputSchema, input, e.validateAll); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			rejection := errf(KindValidation, "input does not conform to the action schema")
			rejection.Violations = verr.Violations
			return nil, e.reject(ev, start, rejection)
		}
		return nil, e.internal(ev, start, "validating input", err)
	}

	hash, err := schema.Hash(input)
	if err != nil {
		return nil, e.internal(ev, start, "hashing input", err)
	}
	ev.InputHash = hash

	signed, expiresAt, err := e.issuer.Mint(ws.ID, def.Name, hash)
	if err != nil {
		return nil, e.internal(ev, start, "minting token", err)
	}

	ev.Outcome = audit.OutcomeOK
	e.record(ev, start)
	return &PreviewResult{Token: signed, ExpiresAt: expiresAt, Action: def.Name, InputHash: hash}, nil
}

// Execute runs the pipeline for a previewed action: verify the token binding,
// admit against the rate limit, resolve idempotency, dispatch at most once,
// and record the outcome.
func (e *Engine) Execute(ctx context.Context, ws *auth.WorkspaceContext, tokenString, idemKey string, input json.RawMessage) (*ExecuteResult, error) {
	start := e.now()
	ev := e.newEvent(ws, audit.OpExecute, "")

	claims, err := e.issuer.Verify(tokenString)
	if err != nil {
		ev.InputRedacted = redactUnknown(input)
		if errors.Is(err, token.ErrExpired) {
			return nil, e.reject(ev, start, errf(KindAuth, "execution token expired"))
		}
		return nil, e.reject(ev, start, errf(KindAuth, "execution token invalid"))
	}
	ev.Action = claims.Action
	ev.TokenID = claims.ID

	if claims.WorkspaceID != ws.ID {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.reject(ev, start, errf(KindForbidden, "token was issued for a different workspace"))
	}

	canonical, err := schema.Canonicalize(input)
	if err != nil {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.reject(ev, start, errf(KindValidation, "input is not valid JSON"))
	}
	hash, err := schema.Hash(canonical)
	if err != nil {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.internal(ev, start, "hashing input", err)
	}
	if hash != claims.InputHash {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.reject(ev, start, errf(KindAuth, "input does not match the previewed input"))
	}
	ev.InputHash = hash

	def, err := e.registry.Get(ctx, ws.ID, claims.Action)
	if err != nil {
		ev.InputRedacted = redactUnknown(input)
		return nil, e.internal(ev, start, "resolving action", err)
	}
	if def == nil {
		// The action existed at preview time. Gone now means gone.
		ev.InputRedacted = redactUnknown(input)
		return nil, e.reject(ev, start, errf(KindNotFound, "action not found"))
	}
	ev.InputRedacted = redactInput(def.InputSchema, input)

	decision, err := e.admitter.Admit(ctx, ratelimit.Key(ws.ID, def.RateClass), e.policyFor(ws))
	if err != nil {
		return nil, e.internal(ev, start, "admitting request", err)
	}
	if !decision.Allowed {
		rejection := errf(KindRateLimited, "rate limit exceeded")
		rejection.RetryAfter = decision.RetryAfter
		rejection.Rate = &decision
		return nil, e.reject(ev, start, rejection)
	}

	if idemKey == "" {
		idemKey = idempotency.DeriveKey(claims.Action, hash)
	}
	ev.IdempotencyKey = idemKey

	begin, err := e.idem.Begin(ctx, ws.ID, idemKey)
	if err != nil {
		return nil, e.internal(ev, start, "beginning idempotent execution", err)
	}
	if !begin.Started {
		return e.settleFromRecord(ctx, ev, start, &decision, idemKey, begin.Existing)
	}

	// This caller owns the key. Dispatch continues even if the client
	// disconnects so the settled outcome is what retries observe.
	dispatchCtx := context.WithoutCancel(ctx)
	deliveryID := uuid.NewString()

	outcome, dispatchErr := e.dispatcher.Dispatch(dispatchCtx, adapter.Request{
		DeliveryID:     deliveryID,
		WorkspaceID:    ws.ID,
		Action:         def,
		IdempotencyKey: idemKey,
		Input:          canonical,
	})
	if dispatchErr != nil {
		return nil, e.settleFailure(dispatchCtx, ev, start, ws.ID, idemKey, dispatchErr)
	}

	payload, err := json.Marshal(executeBody{Outcome: executeOutcome{
		Success:        true,
		Action:         def.Name,
		DeliveryID:     outcome.DeliveryID,
		IdempotencyKey: idemKey,
		StatusCode:     outcome.StatusCode,
		ResponseDigest: outcome.ResponseDigest,
		MessageID:      outcome.MessageID,
		DispatchedAt:   outcome.DispatchedAt.UTC(),
	}})
	if err != nil {
		return nil, e.internal(ev, start, "marshaling outcome", err)
	}
	digest := sha256.Sum256(payload)

	if err := e.idem.Complete(dispatchCtx, ws.ID, idemKey, payload, hex.EncodeToString(digest[:])); err != nil {
		// The side effect happened but the record is lost; surface an
		// internal error rather than pretend the execution is replayable.
		ev.StatusCode = int32(outcome.StatusCode)
		return nil, e.internal(ev, start, "completing idempotency record", err)
	}

	ev.Outcome = audit.OutcomeOK
	ev.StatusCode = int32(outcome.StatusCode)
	e.record(ev, start)
	return &ExecuteResult{
		Payload:        payload,
		IdempotencyKey: idemKey,
		Rate:           &decision,
	}, nil
}

// settleFromRecord resolves an execute call that lost the Begin race: replay
// a terminal record, or handle an in-flight one per the wait policy.
func (e *Engine) settleFromRecord(ctx context.Context, ev *audit.Event, start time.Time, decision *ratelimit.Decision, idemKey string, rec *idempotency.Record) (*ExecuteResult, error) {
	if rec != nil && rec.Status == idempotency.StatusInFlight && e.inflightWait > 0 {
		rec = e.awaitSettled(ctx, ev.WorkspaceID, idemKey)
	}
	if rec == nil {
		return nil, e.reject(ev, start, errf(KindConflict, "execution already in flight"))
	}

	switch rec.Status {
	case idempotency.StatusCompleted:
		ev.Outcome = audit.OutcomeOK
		ev.Replayed = true
		e.record(ev, start)
		return &ExecuteResult{
			Payload:        rec.Result,
			IdempotencyKey: idemKey,
			Replayed:       true,
			Rate:           decision,
		}, nil
	case idempotency.StatusFailed:
		rejection := replayedError(rec)
		ev.Outcome = audit.OutcomeFailed
		ev.Reason = string(rejection.Kind)
		ev.Replayed = true
		e.record(ev, start)
		return nil, rejection
	default:
		return nil, e.reject(ev, start, errf(KindConflict, "execution already in flight"))
	}
}

// awaitSettled polls the idempotency record until it leaves in_flight or the
// wait budget runs out. Returns nil when the caller should see a conflict.
func (e *Engine) awaitSettled(ctx context.Context, workspaceID, idemKey string) *idempotency.Record {
	interval := e.inflightWait / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}

	deadline := e.now().Add(e.inflightWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for e.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		rec, err := e.idem.Lookup(ctx, workspaceID, idemKey)
		if err != nil || rec == nil {
			return nil
		}
		if rec.Status != idempotency.StatusInFlight {
			return rec
		}
	}
	return nil
}

// settleFailure records a dispatch failure under the idempotency key and
// returns the classified error.
func (e *Engine) settleFailure(ctx context.Context, ev *audit.Event, start time.Time, workspaceID, idemKey string, dispatchErr error) *Error {
	rejection := classifyDispatch(dispatchErr)
	if rejection.Kind == KindInternal {
		e.logger.Error("dispatch failed internally",
			zap.String("workspace_id", workspaceID),
			zap.String("action", ev.Action),
			zap.Error(dispatchErr))
	}

	if err := e.idem.Fail(ctx, workspaceID, idemKey, string(rejection.Kind), rejection.Message); err != nil {
		e.logger.Error("failed to settle idempotency record",
			zap.String("workspace_id", workspaceID),
			zap.String("idempotency_key", idemKey),
			zap.Error(err))
	}

	ev.Outcome = audit.OutcomeFailed
	ev.Reason = string(rejection.Kind)
	var adapterErr *adapter.Error
	if errors.As(dispatchErr, &adapterErr) {
		ev.StatusCode = int32(adapterErr.StatusCode)
	}
	e.record(ev, start)
	return rejection
}

// classifyDispatch maps an adapter error to its pipeline kind. Anything that
// is not a classified adapter error is internal.
func classifyDispatch(err error) *Error {
	var adapterErr *adapter.Error
	if !errors.As(err, &adapterErr) {
		return internalErr(err)
	}
	var kind Kind
	switch adapterErr.Kind {
	case adapter.KindUnreachable:
		kind = KindAdapterUnreachable
	case adapter.KindTimeout:
		kind = KindAdapterTimeout
	case adapter.KindRejected:
		kind = KindAdapterRejected
	default:
		return internalErr(err)
	}
	return &Error{Kind: kind, Message: adapterErr.Message, cause: adapterErr.Cause}
}

// replayedError rebuilds the error a failed record settled with. Unknown
// stored kinds collapse to internal rather than leaking free-form strings.
func replayedError(rec *idempotency.Record) *Error {
	kind := Kind(rec.ErrorKind)
	switch kind {
	case KindAdapterUnreachable, KindAdapterTimeout, KindAdapterRejected, KindInternal:
	default:
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: rec.ErrorMessage, Replayed: true}
}

func (e *Engine) policyFor(ws *auth.WorkspaceContext) ratelimit.Policy {
	policy := e.defaultPolicy
	if ws.RatePerMinute > 0 {
		policy.PerMinute = ws.RatePerMinute
	}
	if ws.RateBurst > 0 {
		policy.Burst = ws.RateBurst
	}
	return policy
}

func (e *Engine) newEvent(ws *auth.WorkspaceContext, op audit.Operation, action string) *audit.Event {
	return &audit.Event{
		ID:          uuid.NewString(),
		Timestamp:   e.now(),
		WorkspaceID: ws.ID,
		Actor:       ws.KeyPrefix,
		Operation:   op,
		Action:      action,
	}
}

func (e *Engine) record(ev *audit.Event, start time.Time) {
	ev.LatencyMs = float32(e.now().Sub(start).Microseconds()) / 1000.0
	e.recorder.Record(ev)
}

func (e *Engine) reject(ev *audit.Event, start time.Time, rejection *Error) *Error {
	ev.Outcome = audit.OutcomeRejected
	ev.Reason = string(rejection.Kind)
	e.record(ev, start)
	return rejection
}

func (e *Engine) internal(ev *audit.Event, start time.Time, stage string, err error) *Error {
	e.logger.Error("pipeline gate failed",
		zap.String("stage", stage),
		zap.String("operation", string(ev.Operation)),
		zap.String("workspace_id", ev.WorkspaceID),
		zap.String("action", ev.Action),
		zap.Error(err))
	return e.reject(ev, start, internalErr(err))
}

// redactInput produces the audit-safe view of an input under its schema.
func redactInput(schemaJSON []byte, input json.RawMessage) string {
	return audit.TruncateInput(string(schema.Redact(schemaJSON, input)), audit.InputPreviewLength)
}

// redactUnknown masks the entire input. Used when no schema is available to
// say which fields are safe.
func redactUnknown(input json.RawMessage) string {
	return audit.TruncateInput(string(schema.RedactAll(input)), audit.InputPreviewLength)
}
