package catalog

import "math"

// reliabilityWindow is the number of samples the moving average spans.
const reliabilityWindow = 10

// Reliability scores a descriptor in [0,1]; higher wins resolution.
type Reliability float64

// Valid reports whether r lies in [0,1]
func (r Reliability) Valid() bool {
	return !math.IsNaN(float64(r)) && r >= 0 && r <= 1
}

// Record folds one outcome into the moving average
func (r Reliability) Record(success bool) Reliability {
	target := 0.0
	if success {
		target = 1.0
	}
	next := float64(r) + (target-float64(r))/reliabilityWindow
	return Reliability(math.Min(1, math.Max(0, next)))
}
