package quality

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DisplaySink shows two short lines, replacing what was shown before.
type DisplaySink interface {
	Show(line1, line2 string) error
}

// Presenter formats readings for a DisplaySink. A nil Presenter or sink
// discards everything.
type Presenter struct {
	sink DisplaySink
}

func NewPresenter(sink DisplaySink) *Presenter {
	return &Presenter{sink: sink}
}

// Summary shows TDS and temperature.
func (p *Presenter) Summary(r CalibratedReading) {
	p.show(fmt.Sprintf("TDS:%dppm", int(r.TDS)), fmt.Sprintf("T:%.1f°C", r.Temperature))
}

// Turbidity shows the turbidity view.
func (p *Presenter) Turbidity(r CalibratedReading) {
	p.show("Turbidity:", fmt.Sprintf("%.0f NTU", r.Turbidity))
}

// Fault shows which probe failed.
func (p *Presenter) Fault(err error) {
	var fault *SensorFault
	sensor := ""
	if errors.As(err, &fault) {
		sensor = fault.Sensor
	}
	p.show("Sensor fault", sensor)
}

func (p *Presenter) Status(line1, line2 string) {
	p.show(line1, line2)
}

func (p *Presenter) show(line1, line2 string) {
	if p == nil || p.sink == nil {
		return
	}
	if err := p.sink.Show(line1, line2); err != nil {
		log.Warn().Msgf("Failed to update display: %s", err)
	}
}
