package adapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/registry"
	"github.com/kmabbott81/relay-sub007/internal/signing"
)

const (
	// DeliveryHeader carries the unique id of this delivery attempt.
	DeliveryHeader = "X-Relay-Delivery"
	// IdempotencyHeader mirrors the caller's idempotency key to the receiver.
	IdempotencyHeader = "X-Relay-Idempotency-Key"

	// Response bodies are read only far enough to digest them.
	maxResponseBytes = 64 << 10
)

// WebhookDispatcher POSTs signed JSON envelopes to the action's configured
// URL. One attempt per call: timeouts and transport failures are classified
// and returned, never retried. Redirects are not followed; a signed delivery
// must land where it was aimed.
type WebhookDispatcher struct {
	client  *http.Client
	signer  *signing.Signer
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// WebhookDispatcherConfig configures the WebhookDispatcher.
type WebhookDispatcherConfig struct {
	Signer  *signing.Signer
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewWebhookDispatcher(cfg WebhookDispatcherConfig) *WebhookDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		signer:  cfg.Signer,
		timeout: timeout,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

func (d *WebhookDispatcher) Kind() registry.AdapterKind { return registry.AdapterWebhook }

func (d *WebhookDispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	if req.Action.Webhook == nil {
		return nil, fmt.Errorf("Dispatch: action %q has no webhook config", req.Action.Name)
	}

	body, err := canonicalEnvelope(req)
	if err != nil {
		return nil, fmt.Errorf("Dispatch: %w", err)
	}

	ts := d.now()
	signature := d.signer.Sign(ts, body)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Action.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Dispatch: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(signing.SignatureHeader, signature)
	httpReq.Header.Set(signing.TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	httpReq.Header.Set(DeliveryHeader, req.DeliveryID)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("posting to webhook receiver", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		d.logger.Warn("failed to read webhook response body",
			zap.String("action", req.Action.Name),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		respBody = nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       KindRejected,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("receiver returned %d", resp.StatusCode),
		}
	}

	digest := sha256.Sum256(respBody)
	return &Outcome{
		StatusCode:     resp.StatusCode,
		ResponseDigest: hex.EncodeToString(digest[:]),
		DeliveryID:     req.DeliveryID,
		DispatchedAt:   ts,
	}, nil
}

var _ KindDispatcher = (*WebhookDispatcher)(nil)
