package quality

// RawSample is sensor output converted to engineering units, before calibration.
type RawSample struct {
	TDS         float64 // ppm, 0-1000
	Turbidity   float64 // NTU, 0-10
	Temperature float64 // °C
}

// CalibratedReading is a RawSample after calibration.
type CalibratedReading struct {
	TDS         float64
	Turbidity   float64
	Temperature float64
}
