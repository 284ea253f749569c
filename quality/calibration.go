// Package quality implements the calibration-aware acquisition and publish
// cycle of the water-quality monitor.
package quality

import (
	"context"
	"time"

	"github.com/dratasich/waterquality-monitor/events"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

// Remote store paths
const (
	TelemetryRoot   = "/waterQuality"
	CalibrationRoot = TelemetryRoot + "/calibration"

	TDSFactorPath         = CalibrationRoot + "/tdsFactor"
	TurbidityOffsetPath   = CalibrationRoot + "/turbOffset"
	TemperatureOffsetPath = CalibrationRoot + "/tempOffset"
)

// RemoteStore is the key-value store holding calibration and telemetry.
type RemoteStore interface {
	GetFloat(ctx context.Context, path string) (float64, error)
	SetDocument(ctx context.Context, path string, doc map[string]any) error
}

// CalibrationParameters correct raw samples.
//
// TDS has a gain error and is corrected multiplicatively, turbidity and
// temperature have a bias error and are corrected additively.
type CalibrationParameters struct {
	TDSFactor         float64 `json:"tdsFactor"`
	TurbidityOffset   float64 `json:"turbOffset"`
	TemperatureOffset float64 `json:"tempOffset"`
}

// DefaultCalibration is the identity used until the first successful fetch.
func DefaultCalibration() CalibrationParameters {
	return CalibrationParameters{TDSFactor: 1.0}
}

// Calibrate derives a calibrated reading.
func Calibrate(raw RawSample, cal CalibrationParameters) CalibratedReading {
	return CalibratedReading{
		TDS:         raw.TDS * cal.TDSFactor,
		Turbidity:   raw.Turbidity + cal.TurbidityOffset,
		Temperature: raw.Temperature + cal.TemperatureOffset,
	}
}

type calibrationField struct {
	key   string
	path  string
	value func(*CalibrationParameters) *float64
}

var calibrationFields = []calibrationField{
	{"tdsFactor", TDSFactorPath, func(p *CalibrationParameters) *float64 { return &p.TDSFactor }},
	{"turbOffset", TurbidityOffsetPath, func(p *CalibrationParameters) *float64 { return &p.TurbidityOffset }},
	{"tempOffset", TemperatureOffsetPath, func(p *CalibrationParameters) *float64 { return &p.TemperatureOffset }},
}

// RefreshResult lists the fields a refresh updated and the ones it kept.
type RefreshResult struct {
	Updated []string
	Failed  map[string]error
}

// CalibrationClient keeps the latest calibration fetched from the remote store.
//
// It is owned by the loop; it is not safe for concurrent use.
type CalibrationClient struct {
	store   RemoteStore
	timeout time.Duration
	params  CalibrationParameters
}

// NewCalibrationClient starts from DefaultCalibration. Each read is bounded
// by timeout, zero disables the bound.
func NewCalibrationClient(store RemoteStore, timeout time.Duration) *CalibrationClient {
	return &CalibrationClient{
		store:   store,
		timeout: timeout,
		params:  DefaultCalibration(),
	}
}

// Parameters returns the current, always complete, calibration.
func (c *CalibrationClient) Parameters() CalibrationParameters {
	return c.params
}

// Refresh reads every parameter independently. A failed read keeps the
// previous value of that field; the refresh as a whole never fails.
func (c *CalibrationClient) Refresh(ctx context.Context) RefreshResult {
	result := RefreshResult{Failed: make(map[string]error)}
	for _, f := range calibrationFields {
		value, err := c.get(ctx, f.path)
		if err != nil {
			log.Warn().Msgf("Failed to read calibration %s, keeping %g: %s", f.key, *f.value(&c.params), err)
			result.Failed[f.key] = err
			continue
		}
		*f.value(&c.params) = value
		result.Updated = append(result.Updated, f.key)
	}
	log.Info().Msgf("Calibration refreshed (%d updated, %d kept): %+v", len(result.Updated), len(result.Failed), c.params)
	return result
}

func (c *CalibrationClient) get(ctx context.Context, path string) (float64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.store.GetFloat(ctx, path)
}

// Apply takes over calibration keys from a pushed attribute update.
// Other keys and values that do not decode to a number are ignored.
func (c *CalibrationClient) Apply(attrs events.Attributes) []string {
	var updated []string
	for _, f := range calibrationFields {
		raw, ok := attrs[f.key]
		if !ok || raw == nil {
			continue
		}
		var value float64
		if err := mapstructure.WeakDecode(raw, &value); err != nil {
			log.Warn().Msgf("Ignoring calibration update %s=%v: %s", f.key, raw, err)
			continue
		}
		*f.value(&c.params) = value
		updated = append(updated, f.key)
	}
	if len(updated) > 0 {
		log.Info().Msgf("Calibration updated %v: %+v", updated, c.params)
	}
	return updated
}
