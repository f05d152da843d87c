package trainer

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
)

// Momentum is an anysgd.Transformer implementing classical
// momentum, optionally with the Nesterov correction.
//
// A Momentum keeps one velocity vector per parameter, so it
// must not be shared between networks.
type Momentum struct {
	// Momentum is the velocity retention factor, typically 0.9.
	Momentum float64

	// Nesterov applies the update ahead of the velocity.
	Nesterov bool

	velocities map[*anydiff.Var]anyvec.Vector
}

// Transform updates the velocities with the gradient and
// overwrites the gradient with the resulting step direction.
func (m *Momentum) Transform(grad anydiff.Grad) anydiff.Grad {
	if m.velocities == nil {
		m.velocities = map[*anydiff.Var]anyvec.Vector{}
	}
	for variable, g := range grad {
		c := g.Creator()
		vel, ok := m.velocities[variable]
		if !ok {
			vel = c.MakeVector(g.Len())
			m.velocities[variable] = vel
		}
		vel.Scale(c.MakeNumeric(m.Momentum))
		vel.Add(g)
		if m.Nesterov {
			scaled := vel.Copy()
			scaled.Scale(c.MakeNumeric(m.Momentum))
			g.Add(scaled)
		} else {
			g.Scale(c.MakeNumeric(0))
			g.Add(vel)
		}
	}
	return grad
}

// WeightDecay is an anysgd.Transformer adding an L2 penalty
// gradient to a set of parameters.
type WeightDecay struct {
	// Rate is the decay coefficient.
	Rate float64

	// Params restricts the decay to certain parameters.
	// A nil Params decays every parameter in the gradient.
	Params []*anydiff.Var
}

// Transform adds Rate times each parameter's value to its
// gradient.
func (w *WeightDecay) Transform(grad anydiff.Grad) anydiff.Grad {
	if w.Rate == 0 {
		return grad
	}
	if w.Params == nil {
		for variable, g := range grad {
			addScaled(g, variable.Vector, w.Rate)
		}
		return grad
	}
	for _, variable := range w.Params {
		if g, ok := grad[variable]; ok {
			addScaled(g, variable.Vector, w.Rate)
		}
	}
	return grad
}

func addScaled(dst, src anyvec.Vector, scale float64) {
	scaled := src.Copy()
	scaled.Scale(src.Creator().MakeNumeric(scale))
	dst.Add(scaled)
}

// Chain is an anysgd.Transformer applying a sequence of
// transformers in order.
type Chain []anysgd.Transformer

// Transform feeds the gradient through every transformer.
func (c Chain) Transform(grad anydiff.Grad) anydiff.Grad {
	for _, t := range c {
		grad = t.Transform(grad)
	}
	return grad
}
