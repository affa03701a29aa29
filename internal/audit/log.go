package audit

import "go.uber.org/zap"

// LogRecorder is a fallback Recorder for local development.
// It logs events as structured JSON to stdout via zap.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a LogRecorder that outputs events to the given logger.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(event *Event) {
	r.logger.Info("audit_event",
		zap.String("event_id", event.ID),
		zap.String("workspace_id", event.WorkspaceID),
		zap.String("actor", event.Actor),
		zap.String("operation", string(event.Operation)),
		zap.String("action", event.Action),
		zap.String("outcome", string(event.Outcome)),
		zap.String("reason", event.Reason),
		zap.String("input_hash", event.InputHash),
		zap.Bool("replayed", event.Replayed),
		zap.Int32("status_code", event.StatusCode),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (r *LogRecorder) Close() {}

var _ Recorder = (*LogRecorder)(nil)
