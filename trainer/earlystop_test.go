package trainer

import (
	"math"
	"testing"
)

func TestEarlyStop(t *testing.T) {
	es := &EarlyStop{Patience: 3, MinDelta: 0.1}
	sequence := []struct {
		Metric float64
		Stop   bool
	}{
		{1.0, false},
		{0.8, false},
		{0.79, false}, // within MinDelta, counts as stale
		{0.85, false},
		{0.6, false}, // real improvement resets
		{0.6, false},
		{0.6, false},
		{0.6, true},
	}
	for i, step := range sequence {
		if got := es.Observe(step.Metric); got != step.Stop {
			t.Fatalf("step %d (metric %f): expected stop=%v but got %v",
				i, step.Metric, step.Stop, got)
		}
	}
	if es.Best() != 0.6 {
		t.Errorf("expected best 0.6 but got %f", es.Best())
	}
}

func TestEarlyStopSmoothing(t *testing.T) {
	raw := &EarlyStop{Patience: 1, MinDelta: 0.01}
	smooth := &EarlyStop{Patience: 1, MinDelta: 0.01, Smoothing: 0.5}
	metrics := []float64{1.0, 0.5, 0.5, 0.5}
	var rawStop, smoothStop bool
	for _, m := range metrics {
		rawStop = rawStop || raw.Observe(m)
		smoothStop = smoothStop || smooth.Observe(m)
	}
	if !rawStop {
		t.Error("raw comparison should stop on a flat metric")
	}
	if smoothStop {
		t.Error("smoothed average is still approaching the metric")
	}
	if got := smooth.Best(); math.Abs(got-0.5625) > 1e-12 {
		t.Errorf("expected smoothed best 0.5625 but got %f", got)
	}
}

func TestEarlyStopZeroPatience(t *testing.T) {
	es := &EarlyStop{}
	if es.Observe(1) {
		t.Error("stopped on the first observation")
	}
	if !es.Observe(1) {
		t.Error("zero patience should stop on the first stale epoch")
	}
}
