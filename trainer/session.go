package trainer

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anynet/anyff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
)

// A Session trains a classifier for a number of epochs, wiring
// the learning rate schedule, validation, checkpointing, and
// early stopping together.
//
// Each epoch shuffles the training samples, runs one SGD pass
// over them, evaluates the validation samples, and then lets
// the configured hooks observe the epoch's metrics.
type Session struct {
	Net anynet.Net

	Training anyff.SampleList

	// Validation, if non-nil, is evaluated after every epoch
	// and drives the Checkpoint and EarlyStop hooks. It should
	// not share augmentation with the training list.
	Validation anyff.SampleList

	// Cost defaults to anynet.DotCost{}, which pairs with
	// log-softmax network outputs.
	Cost anynet.Cost

	BatchSize int

	// Epochs limits the run; zero trains until stopped.
	Epochs int

	// Rater schedules the learning rate by fractional epoch.
	// PlateauRaters in the schedule, including members of a
	// ProductRater, observe every epoch's training loss.
	Rater anysgd.Rater

	Transformer anysgd.Transformer

	EarlyStop  *EarlyStop
	Checkpoint *Checkpoint
	History    *History

	// PostTrainBatch, when positive, replaces the network's
	// top-level batch norm layers with fixed affine transforms
	// after training, feeding anyconv.PostTrainer batches of
	// this size.
	PostTrainBatch int

	// Quiet disables progress logging.
	Quiet bool
}

// Run trains until the epoch limit, the early stop, or the stop
// channel ends the session.
func (s *Session) Run(stop <-chan struct{}) error {
	if s.BatchSize < 1 {
		return errors.New("run session: batch size must be positive")
	}
	if s.Training == nil || s.Training.Len() == 0 {
		return errors.New("run session: no training samples")
	}
	cost := s.Cost
	if cost == nil {
		cost = anynet.DotCost{}
	}
	t := &anyff.Trainer{
		Net:     s.Net,
		Cost:    cost,
		Params:  s.Net.Parameters(),
		Average: true,
	}
	if err := s.runEpochs(t, stop); err != nil {
		return err
	}
	return s.postTrain(t)
}

func (s *Session) runEpochs(t *anyff.Trainer, stop <-chan struct{}) error {
	rater := s.Rater
	if rater == nil {
		rater = anysgd.ConstRater(0.01)
	}
	batches := (s.Training.Len() + s.BatchSize - 1) / s.BatchSize

	for epoch := 0; s.Epochs == 0 || epoch < s.Epochs; epoch++ {
		select {
		case <-stop:
			return nil
		default:
		}
		start := time.Now()

		var iter int
		var costSum float64
		var costCount int
		var curRate float64

		epochStop := make(chan struct{})
		var once sync.Once
		endEpoch := func() {
			once.Do(func() {
				close(epochStop)
			})
		}
		go func() {
			select {
			case <-stop:
				endEpoch()
			case <-epochStop:
			}
		}()

		sgd := &anysgd.SGD{
			Fetcher:     t,
			Gradienter:  t,
			Transformer: s.Transformer,
			Samples:     s.Training,
			Rater: raterFunc(func(float64) float64 {
				curRate = rater.Rate(float64(epoch) +
					float64(iter)/float64(batches))
				return curRate
			}),
			StatusFunc: func(b anysgd.Batch) {
				if t.LastCost != nil {
					costSum += numericFloat(t.LastCost)
					costCount++
					if !s.Quiet {
						log.Printf("epoch %d: iter %d/%d: cost=%v", epoch,
							iter, batches, t.LastCost)
					}
				}
				iter++
				if iter >= batches {
					endEpoch()
				}
			},
			BatchSize: s.BatchSize,
		}
		sgd.Run(epochStop)

		stats := EpochStats{
			Epoch:    epoch,
			Rate:     curRate,
			Duration: time.Since(start),
		}
		if costCount > 0 {
			stats.TrainLoss = costSum / float64(costCount)
		}

		interrupted := false
		select {
		case <-stop:
			interrupted = true
		default:
		}

		validated := false
		if !interrupted && s.Validation != nil && s.Validation.Len() > 0 {
			valLoss, valAcc, err := s.evaluate(t)
			if err != nil {
				return err
			}
			stats.ValLoss = valLoss
			stats.ValAccuracy = valAcc
			validated = true
		}

		if s.History != nil {
			s.History.Add(stats)
		}
		if !s.Quiet {
			if validated {
				log.Printf("epoch %d: cost=%f val_cost=%f val_acc=%f rate=%f (%.1fs)",
					epoch, stats.TrainLoss, stats.ValLoss, stats.ValAccuracy,
					curRate, stats.Duration.Seconds())
			} else {
				log.Printf("epoch %d: cost=%f rate=%f (%.1fs)", epoch,
					stats.TrainLoss, curRate, stats.Duration.Seconds())
			}
		}
		if interrupted {
			return nil
		}

		observePlateaus(rater, stats.TrainLoss)
		if validated && s.Checkpoint != nil {
			if err := s.Checkpoint.Observe(stats.ValAccuracy, s.Net); err != nil {
				return err
			}
		}
		if validated && s.EarlyStop != nil && s.EarlyStop.Observe(stats.ValLoss) {
			if !s.Quiet {
				log.Printf("epoch %d: validation stopped improving", epoch)
			}
			return nil
		}
	}
	return nil
}

func (s *Session) postTrain(t *anyff.Trainer) error {
	if s.PostTrainBatch <= 0 {
		return nil
	}
	if !s.Quiet {
		log.Println("Post training...")
	}
	pt := &anyconv.PostTrainer{
		Samples:   s.Training,
		Fetcher:   t,
		BatchSize: s.PostTrainBatch,
		Net:       s.Net,
	}
	return errors.Wrap(pt.Run(), "post train")
}

// evaluate measures the mean validation cost and accuracy.
func (s *Session) evaluate(t *anyff.Trainer) (loss, accuracy float64, err error) {
	list := s.Validation
	total := list.Len()
	var lossSum float64
	for i := 0; i < total; i += s.BatchSize {
		j := i + s.BatchSize
		if j > total {
			j = total
		}
		batch, err := t.Fetch(list.Slice(i, j))
		if err != nil {
			return 0, 0, errors.Wrap(err, "validate")
		}
		cost := anyvec.Sum(t.TotalCost(batch.(*anyff.Batch)).Output())
		lossSum += numericFloat(cost) * float64(j-i)
	}

	var correct int
	for i := 0; i < total; i++ {
		sample, err := list.GetSample(i)
		if err != nil {
			return 0, 0, errors.Wrap(err, "validate")
		}
		out := s.Net.Apply(anydiff.NewConst(sample.Input), 1).Output()
		if anyvec.MaxIndex(out) == anyvec.MaxIndex(sample.Output) {
			correct++
		}
	}
	return lossSum / float64(total), float64(correct) / float64(total), nil
}

// observePlateaus feeds a loss value to every PlateauRater in a
// schedule, descending into ProductRater members.
func observePlateaus(r anysgd.Rater, loss float64) {
	switch r := r.(type) {
	case *PlateauRater:
		r.Observe(loss)
	case ProductRater:
		for _, sub := range r {
			observePlateaus(sub, loss)
		}
	}
}

type raterFunc func(epoch float64) float64

func (r raterFunc) Rate(epoch float64) float64 {
	return r(epoch)
}

func numericFloat(n anyvec.Numeric) float64 {
	switch x := n.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}
