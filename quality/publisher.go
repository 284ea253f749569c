package quality

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned when the readiness gate is closed.
var ErrNotReady = errors.New("remote store not ready")

// Gate reports whether the remote store is reachable.
type Gate interface {
	IsReady() bool
}

// TelemetryRecord is the snapshot written to the remote store each cycle.
type TelemetryRecord struct {
	Raw         RawSample
	Calibrated  CalibratedReading
	TimestampMs uint64 // clock reading at acquisition
}

// Document builds the nested document stored at TelemetryRoot:
//
//	{"raw": {"tds", "turbidity", "temperature"},
//	 "calibrated": {"tds", "turbidity", "temperature"},
//	 "timestamp"}
func (r TelemetryRecord) Document() map[string]any {
	return map[string]any{
		"raw": map[string]any{
			"tds":         r.Raw.TDS,
			"turbidity":   r.Raw.Turbidity,
			"temperature": r.Raw.Temperature,
		},
		"calibrated": map[string]any{
			"tds":         r.Calibrated.TDS,
			"turbidity":   r.Calibrated.Turbidity,
			"temperature": r.Calibrated.Temperature,
		},
		"timestamp": r.TimestampMs,
	}
}

// PublishError carries the store's failure reason.
type PublishError struct {
	Path   string
	Reason error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish %s: %s", e.Path, e.Reason)
}

func (e *PublishError) Unwrap() error { return e.Reason }

// Publisher writes telemetry records to the remote store.
type Publisher struct {
	store   RemoteStore
	gate    Gate
	timeout time.Duration
}

func NewPublisher(store RemoteStore, gate Gate, timeout time.Duration) *Publisher {
	return &Publisher{store: store, gate: gate, timeout: timeout}
}

// Publish replaces the document at TelemetryRoot with record. It performs a
// single write and does not retry.
func (p *Publisher) Publish(ctx context.Context, record TelemetryRecord) error {
	if !p.gate.IsReady() {
		return ErrNotReady
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.store.SetDocument(ctx, TelemetryRoot, record.Document()); err != nil {
		return &PublishError{Path: TelemetryRoot, Reason: err}
	}
	return nil
}
