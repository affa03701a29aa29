package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 10_000
	flushInterval     = 100 * time.Millisecond
	flushBatch        = 1000
	drainTimeout      = 2 * time.Second
)

// ClickHouseRecorder writes audit events to ClickHouse asynchronously.
// Record() is non-blocking; events are buffered and batch-inserted in a
// background goroutine.
type ClickHouseRecorder struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseRecorder opens a connection and starts the background flush
// loop. bufferSize <= 0 uses the default.
func NewClickHouseRecorder(dsn string, bufferSize int, logger *zap.Logger) (*ClickHouseRecorder, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN sets TLS when ?secure=true is in the DSN; enforce it here so a
	// cloud DSN without the flag still connects securely.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	r := &ClickHouseRecorder{
		conn:    conn,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go r.flushLoop()
	return r, nil
}

// Record queues an audit event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (r *ClickHouseRecorder) Record(event *Event) {
	select {
	case r.buffer <- event:
	default:
		r.logger.Warn("audit buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("workspace_id", event.WorkspaceID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (r *ClickHouseRecorder) Close() {
	close(r.done)
	<-r.flushed
}

func (r *ClickHouseRecorder) flushLoop() {
	defer close(r.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, flushBatch)

	for {
		select {
		case event := <-r.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-r.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

func (r *ClickHouseRecorder) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			event_id, timestamp, workspace_id, actor,
			operation, action, outcome, reason,
			input_redacted, input_hash, idempotency_key, token_id,
			replayed, status_code, latency_ms
		)
	`)
	if err != nil {
		r.logger.Error("audit prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var replayedUint8 uint8
		if e.Replayed {
			replayedUint8 = 1
		}

		if err := batch.Append(
			e.ID,
			e.Timestamp,
			e.WorkspaceID,
			e.Actor,
			string(e.Operation),
			e.Action,
			string(e.Outcome),
			e.Reason,
			e.InputRedacted,
			e.InputHash,
			e.IdempotencyKey,
			e.TokenID,
			replayedUint8,
			e.StatusCode,
			e.LatencyMs,
		); err != nil {
			r.logger.Error("audit append event failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		r.logger.Error("audit batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

var _ Recorder = (*ClickHouseRecorder)(nil)

// ClickHouseReader serves the audit read surface from the audit_events table.
type ClickHouseReader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseReader opens a separate connection for read queries.
func NewClickHouseReader(dsn string, logger *zap.Logger) (*ClickHouseReader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewClickHouseReader: %w", err)
	}

	return &ClickHouseReader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *ClickHouseReader) Close() error {
	return r.conn.Close()
}

// List returns the workspace's newest events, most recent first.
func (r *ClickHouseReader) List(ctx context.Context, workspaceID string, limit int) ([]Event, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT event_id, timestamp, workspace_id, actor, "+
			"operation, action, outcome, reason, "+
			"input_redacted, input_hash, idempotency_key, token_id, "+
			"replayed, status_code, latency_ms "+
			"FROM audit_events WHERE workspace_id = @workspace_id "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit",
		clickhouse.Named("workspace_id", workspaceID),
		clickhouse.Named("limit", limit),
	)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			operation string
			outcome   string
			replayed  uint8
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.WorkspaceID, &e.Actor,
			&operation, &e.Action, &outcome, &e.Reason,
			&e.InputRedacted, &e.InputHash, &e.IdempotencyKey, &e.TokenID,
			&replayed, &e.StatusCode, &e.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		e.Operation = Operation(operation)
		e.Outcome = Outcome(outcome)
		e.Replayed = replayed == 1
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return events, nil
}

var _ Reader = (*ClickHouseReader)(nil)
