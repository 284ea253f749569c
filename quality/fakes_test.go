package quality

import (
	"context"
	"errors"

	"github.com/dratasich/waterquality-monitor/events"
	"periph.io/x/conn/v3/analog"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	values map[string]float64
	errs   map[string]error
	setErr error

	gets  []string
	paths []string
	docs  []map[string]any
}

func (s *fakeStore) GetFloat(ctx context.Context, path string) (float64, error) {
	s.gets = append(s.gets, path)
	if err, ok := s.errs[path]; ok {
		return 0, err
	}
	v, ok := s.values[path]
	if !ok {
		return 0, errNotFound
	}
	return v, nil
}

func (s *fakeStore) SetDocument(ctx context.Context, path string, doc map[string]any) error {
	s.paths = append(s.paths, path)
	if s.setErr != nil {
		return s.setErr
	}
	s.docs = append(s.docs, doc)
	return nil
}

// blockingStore never answers before ctx is done
type blockingStore struct{}

func (blockingStore) GetFloat(ctx context.Context, path string) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (blockingStore) SetDocument(ctx context.Context, path string, doc map[string]any) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeGate struct {
	ready bool
}

func (g *fakeGate) IsReady() bool { return g.ready }

type fakeADC struct {
	raw  int32
	full int32
	err  error
}

func (a *fakeADC) Read() (analog.Sample, error) {
	return analog.Sample{Raw: a.raw}, a.err
}

func (a *fakeADC) Range() (analog.Sample, analog.Sample) {
	return analog.Sample{}, analog.Sample{Raw: a.full}
}

type fakeThermal struct {
	celsius    float64
	err        error
	requestErr error
	requests   int
}

func (t *fakeThermal) RequestConversion(ctx context.Context) error {
	t.requests++
	return t.requestErr
}

func (t *fakeThermal) Celsius() (float64, error) {
	return t.celsius, t.err
}

type fakeSink struct {
	screens [][2]string
	err     error
}

func (s *fakeSink) Show(line1, line2 string) error {
	s.screens = append(s.screens, [2]string{line1, line2})
	return s.err
}

type fakeActuator struct {
	states []bool
	err    error
}

func (a *fakeActuator) Set(on bool) error {
	a.states = append(a.states, on)
	return a.err
}

type fakeClock struct {
	now uint64
}

func (c *fakeClock) NowMs() uint64 { return c.now }

type fakeInbox struct {
	attrs   chan *events.Attributes
	rpcs    chan *events.RequestRPC
	replies map[string][]byte
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{
		attrs:   make(chan *events.Attributes, 10),
		rpcs:    make(chan *events.RequestRPC, 10),
		replies: make(map[string][]byte),
	}
}

func (i *fakeInbox) AttributeUpdates() <-chan *events.Attributes { return i.attrs }

func (i *fakeInbox) RPCRequests() <-chan *events.RequestRPC { return i.rpcs }

func (i *fakeInbox) ReplyRPC(ctx context.Context, id string, payload []byte) error {
	i.replies[id] = payload
	return nil
}

type fakeObserver struct {
	runs, skipped, publishFailures, faults, refreshes int
	alerts                                            []bool
	lastParams                                        CalibrationParameters
}

func (o *fakeObserver) CycleRun(alert bool) {
	o.runs++
	o.alerts = append(o.alerts, alert)
}

func (o *fakeObserver) CycleSkipped() { o.skipped++ }
func (o *fakeObserver) PublishFailed() { o.publishFailures++ }
func (o *fakeObserver) SensorFault(alert bool) {
	o.faults++
	o.alerts = append(o.alerts, alert)
}

func (o *fakeObserver) CalibrationRefreshed(params CalibrationParameters, result RefreshResult) {
	o.refreshes++
	o.lastParams = params
}
