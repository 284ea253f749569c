package quality

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dratasich/waterquality-monitor/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopFixture struct {
	loop     *Loop
	clock    *fakeClock
	gate     *fakeGate
	store    *fakeStore
	thermal  *fakeThermal
	sink     *fakeSink
	buzzer   *fakeActuator
	inbox    *fakeInbox
	observer *fakeObserver
}

func fixture(t *testing.T, refreshOnStart bool) *loopFixture {
	t.Helper()
	f := &loopFixture{
		clock: &fakeClock{},
		gate:  &fakeGate{ready: true},
		store: &fakeStore{values: map[string]float64{
			TDSFactorPath:         1.2,
			TurbidityOffsetPath:   0.5,
			TemperatureOffsetPath: -1.0,
		}},
		thermal:  &fakeThermal{celsius: 25},
		sink:     &fakeSink{},
		buzzer:   &fakeActuator{},
		inbox:    newFakeInbox(),
		observer: &fakeObserver{},
	}
	cfg := DefaultLoopConfig
	cfg.RefreshOnStart = refreshOnStart
	f.loop = NewLoop(cfg, Components{
		Clock:       f.clock,
		Gate:        f.gate,
		Calibration: NewCalibrationClient(f.store, time.Second),
		Acquirer: &Acquirer{
			// 300/1000 of full scale: 300 ppm and 3 NTU
			TDS:       &fakeADC{raw: 300, full: 1000},
			Turbidity: &fakeADC{raw: 300, full: 1000},
			Thermal:   f.thermal,
		},
		Alarm:     &Alarm{Thresholds: DefaultThresholds, Actuator: f.buzzer},
		Presenter: NewPresenter(f.sink),
		Publisher: NewPublisher(f.store, f.gate, time.Second),
		Inbox:     f.inbox,
		Observer:  f.observer,
	})
	return f
}

func (f *loopFixture) stepAt(ms uint64) {
	f.clock.now = ms
	f.loop.Step(context.Background())
}

func TestLoopScenario(t *testing.T) {
	// arrange
	f := fixture(t, true)

	// act
	f.stepAt(0)
	f.stepAt(5000)

	// assert
	require.Len(t, f.store.docs, 1)
	doc := f.store.docs[0]
	calibrated := doc["calibrated"].(map[string]any)
	raw := doc["raw"].(map[string]any)
	assert.InDelta(t, 360.0, calibrated["tds"], 1e-9)
	assert.InDelta(t, 3.5, calibrated["turbidity"], 1e-9)
	assert.InDelta(t, 24.0, calibrated["temperature"], 1e-9)
	assert.InDelta(t, 300.0, raw["tds"], 1e-9)
	assert.InDelta(t, 3.0, raw["turbidity"], 1e-9)
	assert.InDelta(t, 25.0, raw["temperature"], 1e-9)
	assert.Equal(t, uint64(5000), doc["timestamp"])

	assert.Equal(t, []bool{false}, f.buzzer.states)
	require.Len(t, f.sink.screens, 2)
	assert.Equal(t, [2]string{"TDS:360ppm", "T:24.0°C"}, f.sink.screens[0])
	assert.Equal(t, "Turbidity:", f.sink.screens[1][0])
	assert.Equal(t, 1, f.observer.runs)
	assert.Equal(t, 1, f.thermal.requests)
}

func TestLoopAlertOnTurbidity(t *testing.T) {
	f := fixture(t, false)
	f.loop.Acquirer.TDS = &fakeADC{raw: 450, full: 1000}
	f.loop.Acquirer.Turbidity = &fakeADC{raw: 550, full: 1000}
	f.thermal.celsius = 20

	f.stepAt(5000)

	// no refresh yet, identity calibration
	assert.Empty(t, f.store.gets)
	assert.Equal(t, []bool{true}, f.buzzer.states)
	assert.Equal(t, []bool{true}, f.observer.alerts)
}

func TestLoopNeverPublishesWhileGateClosed(t *testing.T) {
	f := fixture(t, false)
	f.gate.ready = false

	for ms := uint64(0); ms <= 120000; ms += 100 {
		f.stepAt(ms)
	}

	assert.Empty(t, f.store.paths)
	assert.Zero(t, f.thermal.requests)
	assert.Empty(t, f.buzzer.states)
	assert.Equal(t, 24, f.observer.skipped)
}

func TestLoopSkippedCycleResetsTimer(t *testing.T) {
	f := fixture(t, false)
	f.gate.ready = false
	f.stepAt(5000)

	f.gate.ready = true
	f.stepAt(6000)
	assert.Empty(t, f.store.docs)

	f.stepAt(10000)
	assert.Len(t, f.store.docs, 1)
}

func TestLoopRefreshCadence(t *testing.T) {
	f := fixture(t, false)

	f.stepAt(19900)
	assert.Empty(t, f.store.gets)

	f.stepAt(20000)
	assert.Len(t, f.store.gets, 3)
	assert.Equal(t, CalibrationParameters{TDSFactor: 1.2, TurbidityOffset: 0.5, TemperatureOffset: -1.0}, f.loop.Calibration.Parameters())

	f.stepAt(39999)
	assert.Len(t, f.store.gets, 3)
	f.stepAt(40000)
	assert.Len(t, f.store.gets, 6)
	assert.Equal(t, 2, f.observer.refreshes)
}

func TestLoopRefreshIgnoresGate(t *testing.T) {
	f := fixture(t, true)
	f.gate.ready = false

	f.stepAt(0)

	assert.Len(t, f.store.gets, 3)
}

func TestLoopSensorFaultSkipsPublish(t *testing.T) {
	f := fixture(t, false)
	f.thermal.celsius = DisconnectedCelsius

	f.stepAt(5000)

	assert.Empty(t, f.store.paths)
	assert.Equal(t, []bool{false}, f.buzzer.states)
	assert.Equal(t, [][2]string{{"Sensor fault", "temperature"}}, f.sink.screens)
	assert.Equal(t, 1, f.observer.faults)
	assert.Zero(t, f.observer.runs)
}

func TestLoopTemperatureFaultClearsAlert(t *testing.T) {
	// arrange
	f := fixture(t, false)
	f.loop.Acquirer.TDS = &fakeADC{raw: 800, full: 1000}
	f.stepAt(5000)

	// act
	f.loop.Acquirer.TDS = &fakeADC{raw: 300, full: 1000}
	f.thermal.celsius = DisconnectedCelsius
	for ms := uint64(10000); ms <= 60000; ms += 5000 {
		f.stepAt(ms)
	}

	// assert
	require.Len(t, f.buzzer.states, 12)
	assert.True(t, f.buzzer.states[0])
	assert.False(t, f.buzzer.states[11])
	assert.Len(t, f.store.docs, 1)
	assert.Equal(t, 11, f.observer.faults)
}

func TestLoopTemperatureFaultStillAlertsOnTDS(t *testing.T) {
	f := fixture(t, false)
	f.loop.Acquirer.TDS = &fakeADC{raw: 900, full: 1000}
	f.thermal.celsius = DisconnectedCelsius

	f.stepAt(5000)

	assert.Equal(t, []bool{true}, f.buzzer.states)
	assert.Equal(t, []bool{true}, f.observer.alerts)
	assert.Empty(t, f.store.docs)
	assert.Equal(t, [][2]string{{"Sensor fault", "temperature"}}, f.sink.screens)
}

func TestLoopADCFaultSilencesAlarm(t *testing.T) {
	f := fixture(t, false)
	f.loop.Acquirer.TDS = &fakeADC{raw: 900, full: 1000}
	f.stepAt(5000)

	f.loop.Acquirer.TDS = &fakeADC{err: assert.AnError, full: 1000}
	f.stepAt(10000)

	assert.Equal(t, []bool{true, false}, f.buzzer.states)
	assert.Equal(t, []bool{true, false}, f.observer.alerts)
	assert.Len(t, f.store.docs, 1)
}

func TestLoopPublishFailureIsNotFatal(t *testing.T) {
	f := fixture(t, false)
	f.store.setErr = assert.AnError

	f.stepAt(5000)
	f.store.setErr = nil
	f.stepAt(10000)

	assert.Equal(t, 1, f.observer.publishFailures)
	assert.Equal(t, 2, f.observer.runs)
	assert.Len(t, f.store.docs, 1)
	// both views are rendered even if the write failed
	assert.Len(t, f.sink.screens, 4)
}

func TestLoopAppliesPushedCalibration(t *testing.T) {
	f := fixture(t, false)
	f.inbox.attrs <- &events.Attributes{"tdsFactor": 2.0}

	f.stepAt(5000)

	require.Len(t, f.store.docs, 1)
	calibrated := f.store.docs[0]["calibrated"].(map[string]any)
	// the update is applied after the cycle of the same tick
	assert.InDelta(t, 300.0, calibrated["tds"], 1e-9)
	assert.Equal(t, 2.0, f.loop.Calibration.Parameters().TDSFactor)
}

func TestLoopRPCGetCalibration(t *testing.T) {
	f := fixture(t, false)
	f.inbox.rpcs <- &events.RequestRPC{RpcRequestId: "1", Method: MethodGetCalibration}

	f.stepAt(1)

	require.Contains(t, f.inbox.replies, "1")
	assert.JSONEq(t, `{"tdsFactor": 1, "turbOffset": 0, "tempOffset": 0}`, string(f.inbox.replies["1"]))
}

func TestLoopRPCRefreshCalibration(t *testing.T) {
	// arrange
	f := fixture(t, false)
	delete(f.store.values, TurbidityOffsetPath)
	f.inbox.rpcs <- &events.RequestRPC{RpcRequestId: "7", Method: MethodRefreshCalibration}

	// act
	f.stepAt(1000)

	// assert
	require.Contains(t, f.inbox.replies, "7")
	var reply struct {
		TDSFactor float64           `json:"tdsFactor"`
		Updated   []string          `json:"updated"`
		Failed    map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(f.inbox.replies["7"], &reply))
	assert.Equal(t, 1.2, reply.TDSFactor)
	assert.Equal(t, []string{"tdsFactor", "tempOffset"}, reply.Updated)
	assert.Contains(t, reply.Failed, "turbOffset")

	// the refresh interval restarts from the RPC
	f.stepAt(20000)
	assert.Len(t, f.store.gets, 3)
	f.stepAt(21000)
	assert.Len(t, f.store.gets, 6)
}

func TestLoopRPCUnknownMethod(t *testing.T) {
	f := fixture(t, false)
	f.inbox.rpcs <- &events.RequestRPC{RpcRequestId: "2", Method: "setGPIO"}

	f.stepAt(1)

	assert.JSONEq(t, `{"error": "unknown method \"setGPIO\""}`, string(f.inbox.replies["2"]))
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	f := fixture(t, true)
	cfg := DefaultLoopConfig
	cfg.TickInterval = time.Millisecond
	f.loop.cfg = cfg

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.loop.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.store.gets, 3)
}
