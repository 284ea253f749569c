package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dratasich/waterquality-monitor/config"
	"github.com/dratasich/waterquality-monitor/hardware"
	"github.com/dratasich/waterquality-monitor/quality"
	"github.com/dratasich/waterquality-monitor/tbmqtt"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"
)

// remote is the ThingsBoard side of one run.
type remote interface {
	quality.Gate
	quality.RemoteStore
	quality.Inbox
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
}

// thingsBoard joins the MQTT client and the attribute store built on it.
type thingsBoard struct {
	*tbmqtt.TBMQTT
	store *tbmqtt.Store
}

func newThingsBoard(cfg tbmqtt.Config) *thingsBoard {
	client := tbmqtt.NewClient(cfg)
	return &thingsBoard{TBMQTT: client, store: tbmqtt.NewStore(client)}
}

func (tb *thingsBoard) GetFloat(ctx context.Context, path string) (float64, error) {
	return tb.store.GetFloat(ctx, path)
}

func (tb *thingsBoard) SetDocument(ctx context.Context, path string, doc map[string]any) error {
	return tb.store.SetDocument(ctx, path, doc)
}

// devices are the probes and the actuator of one run.
type devices struct {
	Acquirer *quality.Acquirer
	Actuator quality.Actuator
	closers  []func() error
}

// Close releases the devices in reverse order of opening.
func (d *devices) Close() {
	for _, closer := range slices.Backward(d.closers) {
		if err := closer(); err != nil {
			log.Error().Msgf("Failed to release device: %s", err)
		}
	}
}

func openDevices(hw config.Hardware) (*devices, error) {
	d := &devices{Acquirer: &quality.Acquirer{}}
	fail := func(err error) (*devices, error) {
		d.Close()
		return nil, err
	}

	adc, err := hardware.OpenADC(hw.I2CBus, hw.ADCAddress, physic.ElectricPotential(hw.ADCMaxMillivolts)*physic.MilliVolt)
	if err != nil {
		return fail(err)
	}
	d.closers = append(d.closers, adc.Close)
	if d.Acquirer.TDS, err = adc.Channel(hw.TDSChannel); err != nil {
		return fail(err)
	}
	if d.Acquirer.Turbidity, err = adc.Channel(hw.TurbidityChannel); err != nil {
		return fail(err)
	}

	thermal, err := hardware.OpenThermal(hw.OneWireBus, hw.ThermalBits)
	if err != nil {
		return fail(err)
	}
	d.closers = append(d.closers, thermal.Close)
	d.Acquirer.Thermal = thermal

	buzzer, err := hardware.OpenBuzzer(hw.BuzzerPin)
	if err != nil {
		return fail(err)
	}
	d.closers = append(d.closers, func() error { return buzzer.Set(false) })
	d.Actuator = buzzer
	return d, nil
}

// monitor runs the loop and starts over from a clean state whenever a run
// fails, like a device reboot.
type monitor struct {
	cfg      *config.Config
	observer quality.Observer

	newSink     func() quality.DisplaySink
	openDevices func() (*devices, error)
	newRemote   func() remote
	after       func(time.Duration) <-chan time.Time
}

// supervise runs until ctx is done, waiting RestartDelay between runs.
func (m *monitor) supervise(ctx context.Context) {
	for {
		err := m.run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error().Msgf("%s, restarting in %s", err, m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			return
		case <-m.after(m.cfg.RestartDelay):
		}
	}
}

// run builds every component, connects and runs the loop until ctx is done
// or the connection could not be established.
func (m *monitor) run(ctx context.Context) error {
	presenter := quality.NewPresenter(m.newSink())
	presenter.Status("Water Quality", "")

	dev, err := m.openDevices()
	if err != nil {
		return err
	}
	defer dev.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	presenter.Status("Water Quality", "Connecting...")
	tb := m.newRemote()
	if err := tb.Connect(runCtx); err != nil {
		presenter.Status("Connect failed", "")
		return err
	}
	defer tb.Disconnect(context.Background())
	presenter.Status("Connected", "")

	loop := quality.NewLoop(m.cfg.Loop(), quality.Components{
		Gate:        tb,
		Calibration: quality.NewCalibrationClient(tb, m.cfg.StoreTimeout),
		Acquirer:    dev.Acquirer,
		Alarm:       &quality.Alarm{Thresholds: m.cfg.Thresholds(), Actuator: dev.Actuator},
		Presenter:   presenter,
		Publisher:   quality.NewPublisher(tb, tb, m.cfg.StoreTimeout),
		Inbox:       tb,
		Observer:    m.observer,
	})
	err = loop.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("monitor loop stopped: %w", err)
}
