package trainer

// EarlyStop watches a metric where lower is better and reports
// when it has stopped improving.
type EarlyStop struct {
	// Patience is how many stale observations to tolerate
	// before stopping.
	Patience int

	// MinDelta is the smallest decrease that counts as an
	// improvement.
	MinDelta float64

	// Smoothing, between 0 and 1, exponentially averages the
	// metric before comparison. At 0, raw values are compared.
	Smoothing float64

	best    float64
	average float64
	bad     int
	started bool
}

// Observe records an epoch's metric and returns true when
// training should stop.
func (e *EarlyStop) Observe(metric float64) bool {
	if e.started {
		metric = e.Smoothing*e.average + (1-e.Smoothing)*metric
	}
	e.average = metric
	if !e.started {
		e.started = true
		e.best = metric
		return false
	}
	if metric < e.best-e.MinDelta {
		e.best = metric
		e.bad = 0
		return false
	}
	e.bad++
	return e.bad >= e.Patience
}

// Best returns the best metric seen so far.
func (e *EarlyStop) Best() float64 {
	return e.best
}
