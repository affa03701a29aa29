package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/registry"
	"github.com/kmabbott81/relay-sub007/internal/signing"
)

// QueueDispatcher appends executions to a redis stream named by the action's
// adapter config. Entries carry the same signed canonical envelope a webhook
// receiver would get, so consumers reading the stream with XREADGROUP verify
// provenance the same way; the relay's contract ends once the entry is
// appended.
type QueueDispatcher struct {
	client  redis.Cmdable
	signer  *signing.Signer
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// QueueDispatcherConfig configures the QueueDispatcher.
type QueueDispatcherConfig struct {
	Client  redis.Cmdable
	Signer  *signing.Signer
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewQueueDispatcher(cfg QueueDispatcherConfig) *QueueDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &QueueDispatcher{
		client:  cfg.Client,
		signer:  cfg.Signer,
		timeout: timeout,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

func (d *QueueDispatcher) Kind() registry.AdapterKind { return registry.AdapterQueue }

func (d *QueueDispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	if req.Action.Queue == nil {
		return nil, fmt.Errorf("Dispatch: action %q has no queue config", req.Action.Name)
	}

	body, err := canonicalEnvelope(req)
	if err != nil {
		return nil, fmt.Errorf("Dispatch: %w", err)
	}

	ts := d.now()
	signature := d.signer.Sign(ts, body)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: req.Action.Queue.Stream,
		Values: map[string]interface{}{
			"envelope":        string(body),
			"signature":       signature,
			"timestamp":       strconv.FormatInt(ts.Unix(), 10),
			"delivery_id":     req.DeliveryID,
			"idempotency_key": req.IdempotencyKey,
		},
	}).Result()
	if err != nil {
		return nil, classifyTransport("appending to stream "+req.Action.Queue.Stream, err)
	}

	return &Outcome{
		MessageID:    id,
		DeliveryID:   req.DeliveryID,
		DispatchedAt: ts,
	}, nil
}

var _ KindDispatcher = (*QueueDispatcher)(nil)
