package trainer

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/serializer"
)

// Checkpoint saves the network whenever a watched metric
// improves, keeping only the best version on disk. The metric
// is typically validation accuracy, so higher is better.
type Checkpoint struct {
	// Path is the file the network is saved to.
	Path string

	best    float64
	started bool
}

// Observe records an epoch's metric and saves the network if it
// is the best so far.
func (c *Checkpoint) Observe(metric float64, net anynet.Net) error {
	if c.started && metric <= c.best {
		return nil
	}
	c.started = true
	c.best = metric
	if err := serializer.SaveAny(c.Path, net); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return nil
}

// Best returns the best metric seen so far.
func (c *Checkpoint) Best() float64 {
	return c.best
}
