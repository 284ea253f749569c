// Package hardware binds the monitor's probes and buzzer to periph.io drivers.
package hardware

import (
	"context"
	"errors"
	"fmt"

	"github.com/dratasich/waterquality-monitor/quality"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
	"periph.io/x/devices/v3/ds18b20"
	"periph.io/x/host/v3"
)

// Init loads the host drivers; call once before opening any device.
func Init() error {
	state, err := host.Init()
	if err != nil {
		return fmt.Errorf("failed to initialize host drivers: %w", err)
	}
	for _, failure := range state.Failed {
		log.Debug().Msgf("Host driver %s failed: %s", failure.D, failure.Err)
	}
	return nil
}

// ADC is an ADS1115 on an I2C bus.
type ADC struct {
	bus        i2c.BusCloser
	dev        *ads1x15.Dev
	maxVoltage physic.ElectricPotential
	pins       []ads1x15.PinADC
}

// OpenADC opens the ADS1115 at addr on the named I2C bus ("" for the first
// one). maxVoltage selects the gain of every channel.
func OpenADC(busName string, addr uint16, maxVoltage physic.ElectricPotential) (*ADC, error) {
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", busName, err)
	}
	opts := ads1x15.DefaultOpts
	opts.I2cAddress = addr
	dev, err := ads1x15.NewADS1115(bus, &opts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to open ADS1115 at %#x: %w", addr, err)
	}
	return &ADC{bus: bus, dev: dev, maxVoltage: maxVoltage}, nil
}

// Channel returns single ended input n (0-3).
func (a *ADC) Channel(n int) (quality.AnalogInput, error) {
	channel, err := singleEnded(n)
	if err != nil {
		return nil, err
	}
	pin, err := a.dev.PinForChannel(channel, a.maxVoltage, 8*physic.Hertz, ads1x15.SaveEnergy)
	if err != nil {
		return nil, fmt.Errorf("failed to open ADC channel %d: %w", n, err)
	}
	a.pins = append(a.pins, pin)
	return pin, nil
}

func (a *ADC) Close() error {
	var errs []error
	for _, pin := range a.pins {
		errs = append(errs, pin.Halt())
	}
	errs = append(errs, a.dev.Halt(), a.bus.Close())
	return errors.Join(errs...)
}

func singleEnded(n int) (ads1x15.Channel, error) {
	switch n {
	case 0:
		return ads1x15.Channel0, nil
	case 1:
		return ads1x15.Channel1, nil
	case 2:
		return ads1x15.Channel2, nil
	case 3:
		return ads1x15.Channel3, nil
	}
	return 0, fmt.Errorf("invalid ADC channel %d", n)
}

// Thermal is the first DS18B20 found on a 1-Wire bus.
type Thermal struct {
	bus        onewire.BusCloser
	dev        *ds18b20.Dev
	resolution int
}

// OpenThermal opens the named 1-Wire bus and binds the first probe on it.
func OpenThermal(busName string, resolutionBits int) (*Thermal, error) {
	bus, err := onewirereg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open 1-Wire bus %q: %w", busName, err)
	}
	addrs, err := bus.Search(false)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to search 1-Wire bus: %w", err)
	}
	if len(addrs) == 0 {
		bus.Close()
		return nil, errors.New("no thermal probe on 1-Wire bus")
	}
	dev, err := ds18b20.New(bus, addrs[0], resolutionBits)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to open DS18B20 %#x: %w", uint64(addrs[0]), err)
	}
	log.Info().Msgf("Thermal probe %#x, %d probe(s) on bus", uint64(addrs[0]), len(addrs))
	return &Thermal{bus: bus, dev: dev, resolution: resolutionBits}, nil
}

// RequestConversion starts a conversion on every probe of the bus and
// waits for it.
func (t *Thermal) RequestConversion(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ds18b20.ConvertAll(t.bus, t.resolution)
}

func (t *Thermal) Celsius() (float64, error) {
	temp, err := t.dev.LastTemp()
	if err != nil {
		return 0, err
	}
	return celsius(temp), nil
}

func (t *Thermal) Close() error {
	return t.bus.Close()
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Kelvin)
}

// Buzzer is an active buzzer on a GPIO pin.
type Buzzer struct {
	pin gpio.PinOut
}

// OpenBuzzer looks up the pin by name (e.g. "GPIO4") and silences it.
func OpenBuzzer(name string) (*Buzzer, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("unknown GPIO pin %q", name)
	}
	b := NewBuzzer(pin)
	if err := b.Set(false); err != nil {
		return nil, err
	}
	return b, nil
}

func NewBuzzer(pin gpio.PinOut) *Buzzer {
	return &Buzzer{pin: pin}
}

func (b *Buzzer) Set(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := b.pin.Out(level); err != nil {
		return fmt.Errorf("failed to set %s: %w", b.pin, err)
	}
	return nil
}
