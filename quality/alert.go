package quality

import "github.com/rs/zerolog/log"

// Thresholds above which the alert is active.
type Thresholds struct {
	TDS       float64 // ppm
	Turbidity float64 // NTU
}

var DefaultThresholds = Thresholds{TDS: 500, Turbidity: 5}

// Evaluate is true if any calibrated value exceeds its threshold.
func (t Thresholds) Evaluate(r CalibratedReading) bool {
	return r.TDS > t.TDS || r.Turbidity > t.Turbidity
}

// Evaluate checks r against DefaultThresholds.
func Evaluate(r CalibratedReading) bool {
	return DefaultThresholds.Evaluate(r)
}

// Actuator is a binary output, e.g. a buzzer.
type Actuator interface {
	Set(on bool) error
}

// Alarm drives an actuator from the alert state of every reading.
// Nothing is latched: the actuator follows the latest reading.
type Alarm struct {
	Thresholds Thresholds
	Actuator   Actuator
}

// Drive evaluates r, sets the actuator and returns the alert state.
func (a *Alarm) Drive(r CalibratedReading) bool {
	active := a.Thresholds.Evaluate(r)
	a.set(active)
	return active
}

// Clear switches the actuator off when no reading can be evaluated.
func (a *Alarm) Clear() {
	a.set(false)
}

func (a *Alarm) set(active bool) {
	if a.Actuator == nil {
		return
	}
	if err := a.Actuator.Set(active); err != nil {
		log.Error().Msgf("Failed to set alarm to %t: %s", active, err)
	}
}
