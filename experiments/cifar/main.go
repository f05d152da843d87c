package main

import (
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/cifar"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
	"github.com/unixpickle/serializer"
	"github.com/zhuyiche/IronClassification/resnet"
	"github.com/zhuyiche/IronClassification/trainer"
)

var Creator anyvec.Creator

func main() {
	Creator = anyvec32.CurrentCreator()
	rand.Seed(time.Now().UnixNano())

	var sampleDir string
	var netPath string
	var backbone string
	var stepSize float64
	var batchSize int

	flag.StringVar(&sampleDir, "samples", "", "cifar-10 binary batch dir")
	flag.StringVar(&netPath, "net", "out_net", "network file")
	flag.StringVar(&backbone, "backbone", "resnet18", "backbone name")
	flag.Float64Var(&stepSize, "step", 0.01, "SGD step size")
	flag.IntVar(&batchSize, "batch", 64, "SGD batch size")
	flag.Parse()

	if sampleDir == "" {
		essentials.Die("Missing -samples flag. See -help.")
	}

	lists, err := cifar.Load10(sampleDir)
	if err != nil {
		essentials.Die(err)
	}

	training := cifar.NewSampleListAll(Creator, lists[:5]...)
	validation := cifar.NewSampleListAll(Creator, lists[5])

	var net anynet.Net
	if err := serializer.LoadAny(netPath, &net); err != nil {
		log.Println("Creating new network...")
		builder, err := resnet.NewBuilder(backbone,
			resnet.Dims{Width: 32, Height: 32, Depth: 3}, 10)
		if err != nil {
			essentials.Die(err)
		}
		net, err = builder.Build(Creator)
		if err != nil {
			essentials.Die(err)
		}
	} else {
		log.Println("Using existing network.")
	}

	log.Println("Setting up...")

	t := &anyff.Trainer{
		Net:     net,
		Cost:    anynet.DotCost{},
		Params:  net.Parameters(),
		Average: true,
	}

	var iterNum int
	s := &anysgd.SGD{
		Fetcher:    t,
		Gradienter: t,
		Transformer: trainer.Chain{
			&trainer.WeightDecay{Rate: 1e-4, Params: resnet.RegularizedParams(net)},
			&trainer.Momentum{Momentum: 0.9},
		},
		Samples: training,
		Rater:   anysgd.ConstRater(stepSize),
		StatusFunc: func(b anysgd.Batch) {
			anysgd.Shuffle(validation)
			batch, _ := t.Fetch(validation.Slice(0, batchSize))
			vCost := anyvec.Sum(t.TotalCost(batch.(*anyff.Batch)).Output())

			log.Printf("iter %d: cost=%v validation=%v", iterNum, t.LastCost, vCost)
			iterNum++
		},
		BatchSize: batchSize,
	}

	log.Println("Press ctrl+c once to stop...")
	s.Run(rip.NewRIP().Chan())

	log.Println("Saving network...")
	if err := serializer.SaveAny(netPath, net); err != nil {
		essentials.Die(err)
	}
}
