package quality

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/analog"
)

// Engineering unit full scale of the analog probes
const (
	TDSFullScale       = 1000.0 // ppm
	TurbidityFullScale = 10.0   // NTU
)

// Thermal probe limits (DS18B20)
const (
	DisconnectedCelsius = -127.0
	MinCelsius          = -55.0
	MaxCelsius          = 125.0
)

// Sensor names reported in faults
const (
	SensorTDS         = "tds"
	SensorTurbidity   = "turbidity"
	SensorTemperature = "temperature"
)

// ErrSensorFault matches every *SensorFault.
var ErrSensorFault = errors.New("sensor fault")

// SensorFault reports a probe that returned no usable value.
type SensorFault struct {
	Sensor string
	Value  float64
	Err    error
}

func (f *SensorFault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("sensor fault on %s: %s", f.Sensor, f.Err)
	}
	return fmt.Sprintf("sensor fault on %s: invalid value %g", f.Sensor, f.Value)
}

func (f *SensorFault) Is(target error) bool { return target == ErrSensorFault }

func (f *SensorFault) Unwrap() error { return f.Err }

// AnalogInput is an ADC channel; periph analog pins implement it.
type AnalogInput interface {
	Read() (analog.Sample, error)
	// Range returns the min and max samples of the channel
	Range() (analog.Sample, analog.Sample)
}

// ThermalSensor is a probe that converts on request.
type ThermalSensor interface {
	// RequestConversion blocks for the probe's conversion time.
	RequestConversion(ctx context.Context) error
	Celsius() (float64, error)
}

// Acquirer samples the TDS, turbidity and thermal probes.
type Acquirer struct {
	TDS       AnalogInput
	Turbidity AnalogInput
	Thermal   ThermalSensor
}

// Acquire takes one sample of every probe. It requests exactly one thermal
// conversion and performs no network I/O.
//
// On a temperature fault the returned sample still carries valid TDS and
// turbidity values, its temperature is zero.
func (a *Acquirer) Acquire(ctx context.Context) (RawSample, error) {
	tds, err := scale(SensorTDS, a.TDS, TDSFullScale)
	if err != nil {
		return RawSample{}, err
	}
	turbidity, err := scale(SensorTurbidity, a.Turbidity, TurbidityFullScale)
	if err != nil {
		return RawSample{}, err
	}
	sample := RawSample{TDS: tds, Turbidity: turbidity}
	temperature, err := a.temperature(ctx)
	if err != nil {
		return sample, err
	}
	sample.Temperature = temperature
	return sample, nil
}

func (a *Acquirer) temperature(ctx context.Context) (float64, error) {
	if err := a.Thermal.RequestConversion(ctx); err != nil {
		return 0, &SensorFault{Sensor: SensorTemperature, Err: err}
	}
	celsius, err := a.Thermal.Celsius()
	if err != nil {
		return 0, &SensorFault{Sensor: SensorTemperature, Err: err}
	}
	if celsius == DisconnectedCelsius || celsius < MinCelsius || celsius > MaxCelsius {
		return 0, &SensorFault{Sensor: SensorTemperature, Value: celsius}
	}
	return celsius, nil
}

// scale maps a raw ADC count linearly onto 0..fullScale. Counts outside
// 0..max (noise around 0 V on a differential ADC) are clamped.
func scale(name string, in AnalogInput, fullScale float64) (float64, error) {
	sample, err := in.Read()
	if err != nil {
		return 0, &SensorFault{Sensor: name, Err: err}
	}
	_, full := in.Range()
	if full.Raw <= 0 {
		return 0, &SensorFault{Sensor: name, Err: fmt.Errorf("invalid ADC full scale %d", full.Raw)}
	}
	raw := min(max(sample.Raw, 0), full.Raw)
	return float64(raw) / float64(full.Raw) * fullScale, nil
}
