package main

import (
	"log"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anynet/anyff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/mnist"
	"github.com/unixpickle/rip"
	"github.com/zhuyiche/IronClassification/resnet"
	"github.com/zhuyiche/IronClassification/trainer"
)

var Creator anyvec.Creator

func main() {
	log.Println("Setting up...")

	Creator = anyvec32.CurrentCreator()

	conv1, err := resnet.NewGroupConv(Creator,
		resnet.Dims{Width: 28, Height: 28, Depth: 1}, 1, 8, 3, 2)
	if err != nil {
		essentials.Die(err)
	}
	conv2, err := resnet.NewGroupConv(Creator,
		resnet.Dims{Width: 13, Height: 13, Depth: 8}, 4, 16, 4, 1)
	if err != nil {
		essentials.Die(err)
	}
	conv3, err := resnet.NewGroupConv(Creator,
		resnet.Dims{Width: 10, Height: 10, Depth: 16}, 4, 16, 3, 2)
	if err != nil {
		essentials.Die(err)
	}

	network := anynet.Net{
		conv1,
		anyconv.NewBatchNorm(Creator, 8),
		anynet.ReLU,
		conv2,
		anyconv.NewBatchNorm(Creator, 16),
		anynet.ReLU,
		conv3,
		anyconv.NewBatchNorm(Creator, 16),
		anynet.ReLU,
		anynet.NewFC(Creator, 16*4*4, 10),
		anynet.LogSoftmax,
	}

	t := &anyff.Trainer{
		Net:     network,
		Cost:    anynet.DotCost{},
		Params:  network.Parameters(),
		Average: true,
	}

	var iterNum int
	s := &anysgd.SGD{
		Fetcher:     t,
		Gradienter:  t,
		Transformer: &trainer.Momentum{Momentum: 0.9},
		Samples:     mnist.LoadTrainingDataSet().AnyNetSamples(Creator),
		Rater:       trainer.StepRater{Initial: 0.01, Factor: 0.1, Interval: 5},
		StatusFunc: func(b anysgd.Batch) {
			log.Printf("iter %d: cost=%v", iterNum, t.LastCost)
			iterNum++
		},
		BatchSize: 200,
	}

	log.Println("Press ctrl+c once to stop...")
	s.Run(rip.NewRIP().Chan())

	log.Println("Post training...")
	pt := &anyconv.PostTrainer{
		Samples:   s.Samples,
		Fetcher:   t,
		BatchSize: 300,
		Net:       network,
	}
	if err := pt.Run(); err != nil {
		essentials.Die(err)
	}

	log.Println("Computing statistics...")
	printStats(network)
}

func printStats(net anynet.Net) {
	ts := mnist.LoadTestingDataSet()
	cf := func(in []float64) int {
		vec := Creator.MakeVectorData(Creator.MakeNumericList(in))
		inRes := anydiff.NewConst(vec)
		res := net.Apply(inRes, 1).Output()
		return anyvec.MaxIndex(res)
	}
	log.Println("Validation:", ts.NumCorrect(cf))
	log.Println("Histogram:", ts.CorrectnessHistogram(cf))
}
