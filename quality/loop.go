package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dratasich/waterquality-monitor/events"
	"github.com/rs/zerolog/log"
)

// RPC methods served by the loop
const (
	MethodGetCalibration     = "getCalibration"
	MethodRefreshCalibration = "refreshCalibration"
)

// Observer is told about the outcome of every loop activity.
type Observer interface {
	CycleRun(alert bool)
	CycleSkipped()
	PublishFailed()
	// SensorFault reports a skipped cycle and the alert state it left.
	SensorFault(alert bool)
	CalibrationRefreshed(params CalibrationParameters, result RefreshResult)
}

// Inbox delivers what the remote side pushed between two ticks.
type Inbox interface {
	AttributeUpdates() <-chan *events.Attributes
	RPCRequests() <-chan *events.RequestRPC
	ReplyRPC(ctx context.Context, rpcRequestId string, payload []byte) error
}

type LoopConfig struct {
	RefreshInterval time.Duration
	PublishInterval time.Duration
	TickInterval    time.Duration
	RefreshOnStart  bool
	// bounds RPC replies
	ReplyTimeout time.Duration
}

var DefaultLoopConfig = LoopConfig{
	RefreshInterval: 20 * time.Second,
	PublishInterval: 5 * time.Second,
	TickInterval:    100 * time.Millisecond,
	RefreshOnStart:  true,
	ReplyTimeout:    5 * time.Second,
}

// Components wired into a Loop. Inbox and Observer are optional.
type Components struct {
	Clock       Clock
	Gate        Gate
	Calibration *CalibrationClient
	Acquirer    *Acquirer
	Alarm       *Alarm
	Presenter   *Presenter
	Publisher   *Publisher
	Inbox       Inbox
	Observer    Observer
}

// Loop is the single thread of control of the monitor. Calibration refresh
// and the acquire-publish cycle run at independent intervals off one clock.
type Loop struct {
	Components
	cfg     LoopConfig
	refresh *Interval
	cycle   *Interval
}

func NewLoop(cfg LoopConfig, c Components) *Loop {
	if c.Clock == nil {
		c.Clock = NewUptimeClock()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Alarm == nil {
		c.Alarm = &Alarm{Thresholds: DefaultThresholds}
	}
	l := &Loop{
		Components: c,
		cfg:        cfg,
		refresh:    NewInterval(cfg.RefreshInterval),
		cycle:      NewInterval(cfg.PublishInterval),
	}
	if cfg.RefreshOnStart {
		l.refresh.Prime()
	}
	return l
}

// Run steps the loop every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Msgf("Monitor loop started (refresh every %s, publish every %s)", l.cfg.RefreshInterval, l.cfg.PublishInterval)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		l.Step(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Monitor loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step dispatches whatever is due, synchronously and to completion.
func (l *Loop) Step(ctx context.Context) {
	now := l.Clock.NowMs()
	if l.refresh.Due(now) {
		l.refreshCalibration(ctx)
		l.refresh.Mark(now)
	}
	if l.cycle.Due(now) {
		if l.Gate.IsReady() {
			l.runCycle(ctx)
		} else {
			log.Debug().Msg("Remote store not ready, skipping cycle")
			l.Observer.CycleSkipped()
		}
		l.cycle.Mark(now)
	}
	l.drainInbox(ctx)
}

func (l *Loop) refreshCalibration(ctx context.Context) RefreshResult {
	result := l.Calibration.Refresh(ctx)
	l.Observer.CalibrationRefreshed(l.Calibration.Parameters(), result)
	return result
}

// runCycle acquires, calibrates, alerts, presents and publishes one sample.
func (l *Loop) runCycle(ctx context.Context) {
	timestamp := l.Clock.NowMs()
	raw, err := l.Acquirer.Acquire(ctx)
	if err != nil {
		log.Error().Msgf("Skipping cycle: %s", err)
		l.Presenter.Fault(err)
		l.Observer.SensorFault(l.alertWithoutTemperature(raw, err))
		return
	}

	reading := Calibrate(raw, l.Calibration.Parameters())
	alert := l.Alarm.Drive(reading)
	l.Presenter.Summary(reading)

	record := TelemetryRecord{Raw: raw, Calibrated: reading, TimestampMs: timestamp}
	if err := l.Publisher.Publish(ctx, record); err != nil {
		if errors.Is(err, ErrNotReady) {
			log.Warn().Msg("Remote store went away, telemetry not published")
		} else {
			log.Error().Msgf("%s", err)
		}
		l.Observer.PublishFailed()
	} else {
		log.Debug().Msgf("Published telemetry %+v", record)
	}

	l.Presenter.Turbidity(reading)
	l.Observer.CycleRun(alert)
}

// alertWithoutTemperature keeps the alarm current while a cycle is skipped.
// The alert only depends on TDS and turbidity, so a temperature fault still
// evaluates them; any other fault leaves nothing to evaluate.
func (l *Loop) alertWithoutTemperature(raw RawSample, err error) bool {
	var fault *SensorFault
	if errors.As(err, &fault) && fault.Sensor == SensorTemperature {
		return l.Alarm.Drive(Calibrate(raw, l.Calibration.Parameters()))
	}
	l.Alarm.Clear()
	return false
}

func (l *Loop) drainInbox(ctx context.Context) {
	if l.Inbox == nil {
		return
	}
	for {
		select {
		case attrs := <-l.Inbox.AttributeUpdates():
			if attrs != nil {
				l.Calibration.Apply(*attrs)
			}
		case req := <-l.Inbox.RPCRequests():
			if req != nil {
				l.handleRPC(ctx, req)
			}
		default:
			return
		}
	}
}

type calibrationReply struct {
	CalibrationParameters
	Updated []string          `json:"updated,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type errorReply struct {
	Error string `json:"error"`
}

func (l *Loop) handleRPC(ctx context.Context, req *events.RequestRPC) {
	var reply any
	switch req.Method {
	case MethodGetCalibration:
		reply = calibrationReply{CalibrationParameters: l.Calibration.Parameters()}
	case MethodRefreshCalibration:
		result := l.refreshCalibration(ctx)
		l.refresh.Mark(l.Clock.NowMs())
		failed := make(map[string]string, len(result.Failed))
		for key, err := range result.Failed {
			failed[key] = err.Error()
		}
		reply = calibrationReply{
			CalibrationParameters: l.Calibration.Parameters(),
			Updated:               result.Updated,
			Failed:                failed,
		}
	default:
		log.Warn().Msgf("Unknown RPC method %q", req.Method)
		reply = errorReply{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		log.Error().Msgf("Failed to marshal RPC reply: %s", err)
		return
	}
	if l.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ReplyTimeout)
		defer cancel()
	}
	if err := l.Inbox.ReplyRPC(ctx, req.RpcRequestId, payload); err != nil {
		log.Error().Msgf("Failed to reply to RPC #%s: %s", req.RpcRequestId, err)
	}
}

type nopObserver struct{}

func (nopObserver) CycleRun(bool) {}
func (nopObserver) CycleSkipped() {}
func (nopObserver) PublishFailed() {}
func (nopObserver) SensorFault(bool) {}
func (nopObserver) CalibrationRefreshed(CalibrationParameters, RefreshResult) {}
