// Package trainer runs epoch-driven training for anynet
// classifiers: learning rate schedules, SGD with momentum,
// weight decay, early stopping, best-model checkpoints, and
// per-epoch history.
package trainer

import (
	"math"

	"github.com/unixpickle/anynet/anysgd"
)

// InvDecayRater decays the learning rate hyperbolically:
// rate = Initial / (1 + Decay*epoch).
type InvDecayRater struct {
	Initial float64
	Decay   float64
}

// Rate returns the rate for a (fractional) epoch.
func (i InvDecayRater) Rate(epoch float64) float64 {
	return i.Initial / (1 + i.Decay*epoch)
}

// StepRater multiplies the learning rate by Factor once per
// Interval epochs.
type StepRater struct {
	Initial  float64
	Factor   float64
	Interval float64
}

// Rate returns the rate for a (fractional) epoch.
func (s StepRater) Rate(epoch float64) float64 {
	interval := s.Interval
	if interval <= 0 {
		interval = 1
	}
	return s.Initial * math.Pow(s.Factor, math.Floor(epoch/interval))
}

// ProductRater multiplies the rates of several schedules,
// so a decaying schedule and a plateau schedule can act on the
// same base rate. Exactly one member should carry the base
// rate; the others should be relative, with an Initial of 1.
type ProductRater []anysgd.Rater

// Rate returns the product of the member rates.
func (p ProductRater) Rate(epoch float64) float64 {
	rate := 1.0
	for _, r := range p {
		rate *= r.Rate(epoch)
	}
	return rate
}

// PlateauRater reduces the learning rate by Factor when the
// observed metric has not improved for Patience consecutive
// observations.
//
// The rate is constant between observations, so it can be
// polled from inside an epoch at any frequency.
type PlateauRater struct {
	Factor   float64
	Patience int
	MinDelta float64
	MinRate  float64

	rate    float64
	best    float64
	bad     int
	started bool
}

// NewPlateauRater creates a PlateauRater with the conventional
// settings: a 10x reduction after patience stale epochs, with
// improvements under 1e-4 ignored.
func NewPlateauRater(initial float64, patience int) *PlateauRater {
	return &PlateauRater{
		Factor:   0.1,
		Patience: patience,
		MinDelta: 1e-4,
		rate:     initial,
	}
}

// Rate returns the current rate. The epoch argument is ignored;
// the schedule advances through Observe.
func (p *PlateauRater) Rate(epoch float64) float64 {
	return p.rate
}

// Observe records an epoch's metric, where lower is better,
// and decays the rate if the metric has plateaued.
func (p *PlateauRater) Observe(metric float64) {
	if !p.started {
		p.started = true
		p.best = metric
		return
	}
	if metric < p.best-p.MinDelta {
		p.best = metric
		p.bad = 0
		return
	}
	p.bad++
	if p.bad >= p.Patience {
		p.bad = 0
		p.rate *= p.Factor
		if p.rate < p.MinRate {
			p.rate = p.MinRate
		}
	}
}
