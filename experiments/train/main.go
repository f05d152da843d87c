package main

import (
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
	"github.com/unixpickle/serializer"
	"github.com/zhuyiche/IronClassification/imageset"
	"github.com/zhuyiche/IronClassification/resnet"
	"github.com/zhuyiche/IronClassification/trainer"
)

var Creator anyvec.Creator

func main() {
	Creator = anyvec32.CurrentCreator()
	rand.Seed(time.Now().UnixNano())

	var dataDir string
	var valDir string
	var holdout float64
	var configPath string
	var netPath string
	var bestPath string
	var statsPath string
	var historyPath string
	var plotPath string
	var preload bool
	var postTrainBatch int

	cfg := trainer.DefaultConfig()

	flag.StringVar(&dataDir, "data", "", "training image dir (one sub-dir per class)")
	flag.StringVar(&valDir, "val", "", "validation image dir (default: hold out training images)")
	flag.Float64Var(&holdout, "holdout", 0.2, "held-out validation fraction when -val is unset")
	flag.StringVar(&configPath, "config", "", "training config JSON file")
	flag.StringVar(&netPath, "net", "out_net", "network file")
	flag.StringVar(&bestPath, "best", "best_net", "best-accuracy network file")
	flag.StringVar(&statsPath, "stats", "", "featurewise statistics cache file")
	flag.StringVar(&historyPath, "history", "", "training history CSV file")
	flag.StringVar(&plotPath, "plot", "", "training curve plot file")
	flag.BoolVar(&preload, "preload", false, "decode the whole dataset into memory up front")
	flag.IntVar(&postTrainBatch, "posttrain", 0,
		"batch norm post-training batch size (0 to skip)")

	flag.StringVar(&cfg.Backbone, "backbone", cfg.Backbone,
		"backbone name (e.g. resnet50, xresnet101, dresnext50)")
	flag.IntVar(&cfg.Cardinality, "cardinality", cfg.Cardinality,
		"convolution groups in the grouped families")
	flag.IntVar(&cfg.ImageSize, "size", cfg.ImageSize, "input image width and height")
	flag.IntVar(&cfg.Channels, "channels", cfg.Channels, "input image channels")
	flag.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "SGD batch size")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs (0 to run until stopped)")
	flag.Float64Var(&cfg.Rate, "rate", cfg.Rate, "initial learning rate")
	flag.Float64Var(&cfg.Decay, "decay", cfg.Decay, "per-epoch learning rate decay")
	flag.Float64Var(&cfg.Momentum, "momentum", cfg.Momentum, "SGD momentum")
	flag.Float64Var(&cfg.WeightDecay, "l2", cfg.WeightDecay,
		"weight decay on convolution and FC weights")
	flag.IntVar(&cfg.PlateauPatience, "plateau", cfg.PlateauPatience,
		"epochs of flat training loss before decaying the rate")
	flag.IntVar(&cfg.StopPatience, "earlystop", cfg.StopPatience,
		"epochs of flat validation loss before stopping")
	flag.Float64Var(&cfg.StopMinDelta, "mindelta", cfg.StopMinDelta,
		"validation loss improvement threshold for early stopping")
	flag.BoolVar(&cfg.Augment, "augment", cfg.Augment, "randomly augment training images")
	flag.BoolVar(&cfg.Featurewise, "featurewise", cfg.Featurewise,
		"normalize with dataset statistics instead of per image")
	flag.Parse()

	if dataDir == "" {
		essentials.Die("Missing -data flag. See -help.")
	}
	if configPath != "" {
		loaded, err := trainer.LoadConfig(configPath)
		if err != nil {
			essentials.Die(err)
		}
		applyFlagOverrides(loaded, cfg)
		cfg = loaded
	}

	index, err := imageset.Scan(dataDir)
	if err != nil {
		essentials.Die(err)
	}
	log.Printf("Found %d images in %d classes.", index.Len(), len(index.Classes))

	dims := resnet.Dims{Width: cfg.ImageSize, Height: cfg.ImageSize, Depth: cfg.Channels}
	training := imageset.NewSampleList(Creator, index, dims)

	var validation *imageset.SampleList
	if valDir != "" {
		valIndex, err := imageset.Scan(valDir)
		if err != nil {
			essentials.Die(err)
		}
		if !equalClasses(valIndex.Classes, index.Classes) {
			essentials.Die("validation classes do not match training classes")
		}
		validation = imageset.NewSampleList(Creator, valIndex, dims)
	} else {
		left, right := anysgd.HashSplit(training, 1-holdout)
		training = left.(*imageset.SampleList)
		validation = right.(*imageset.SampleList)
	}
	log.Printf("Training on %d samples, validating on %d.", training.Len(),
		validation.Len())

	if cfg.Augment {
		training.Augment = imageset.DefaultAugmenter()
	}
	if preload {
		log.Println("Preloading images...")
		if err := training.Preload(); err != nil {
			essentials.Die(err)
		}
		if err := validation.Preload(); err != nil {
			essentials.Die(err)
		}
	}
	if cfg.Featurewise {
		stats, err := featurewiseStats(training, statsPath)
		if err != nil {
			essentials.Die(err)
		}
		training.Stats = stats
		validation.Stats = stats
	}

	var net anynet.Net
	if err := serializer.LoadAny(netPath, &net); err != nil {
		log.Println("Creating new network...")
		builder, err := newBuilder(cfg, dims, len(index.Classes))
		if err != nil {
			essentials.Die(err)
		}
		summary, err := builder.Summary()
		if err != nil {
			essentials.Die(err)
		}
		log.Printf("Network layout:\n%s", summary)
		net, err = builder.Build(Creator)
		if err != nil {
			essentials.Die(err)
		}
	} else {
		log.Println("Using existing network.")
	}

	log.Println("Setting up...")

	var transformer trainer.Chain
	if cfg.WeightDecay > 0 {
		transformer = append(transformer, &trainer.WeightDecay{
			Rate:   cfg.WeightDecay,
			Params: resnet.RegularizedParams(net),
		})
	}
	transformer = append(transformer, &trainer.Momentum{Momentum: cfg.Momentum})

	session := &trainer.Session{
		Net:         net,
		Training:    training,
		Validation:  validation,
		BatchSize:   cfg.BatchSize,
		Epochs:      cfg.Epochs,
		Transformer: transformer,
		Rater: trainer.ProductRater{
			trainer.NewPlateauRater(cfg.Rate, cfg.PlateauPatience),
			trainer.InvDecayRater{Initial: 1, Decay: cfg.Decay},
		},
		EarlyStop: &trainer.EarlyStop{
			Patience: cfg.StopPatience,
			MinDelta: cfg.StopMinDelta,
		},
		Checkpoint:     &trainer.Checkpoint{Path: bestPath},
		History:        &trainer.History{},
		PostTrainBatch: postTrainBatch,
	}

	log.Println("Press ctrl+c once to stop...")
	if err := session.Run(rip.NewRIP().Chan()); err != nil {
		essentials.Die(err)
	}

	log.Println("Saving network...")
	if err := serializer.SaveAny(netPath, net); err != nil {
		essentials.Die(err)
	}
	if historyPath != "" {
		if err := session.History.WriteCSV(historyPath); err != nil {
			essentials.Die(err)
		}
	}
	if plotPath != "" {
		if err := session.History.SavePlot(plotPath); err != nil {
			essentials.Die(err)
		}
	}
	if session.Checkpoint.Best() > 0 {
		log.Printf("Best validation accuracy: %.4f (saved to %s)",
			session.Checkpoint.Best(), bestPath)
	}
}

// newBuilder configures a network builder from the run settings,
// applying the cardinality to the grouped families.
func newBuilder(cfg *trainer.Config, input resnet.Dims, numClasses int) (*resnet.Builder, error) {
	builder, err := resnet.NewBuilder(cfg.Backbone, input, numClasses)
	if err != nil {
		return nil, err
	}
	if cfg.Cardinality != resnet.DefaultCardinality {
		switch builder.Variant.Name() {
		case "resnext":
			builder.Variant = resnet.ResNeXt(cfg.Cardinality)
		case "dresnext":
			builder.Variant = resnet.DResNeXt(cfg.Cardinality)
		}
	}
	return builder, nil
}

// featurewiseStats loads cached dataset statistics, or measures
// them and fills the cache when no usable file exists.
func featurewiseStats(list *imageset.SampleList, path string) (*imageset.Stats, error) {
	if path != "" {
		if stats, err := imageset.LoadStats(path); err == nil {
			log.Println("Using existing statistics.")
			return stats, nil
		}
	}
	log.Println("Measuring dataset statistics...")
	stats, err := imageset.ComputeStats(list)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := stats.SaveFile(path); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// applyFlagOverrides copies explicitly-set command line settings
// over a loaded configuration, so flags win over the file.
func applyFlagOverrides(dst, flags *trainer.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backbone":
			dst.Backbone = flags.Backbone
		case "cardinality":
			dst.Cardinality = flags.Cardinality
		case "size":
			dst.ImageSize = flags.ImageSize
		case "channels":
			dst.Channels = flags.Channels
		case "batch":
			dst.BatchSize = flags.BatchSize
		case "epochs":
			dst.Epochs = flags.Epochs
		case "rate":
			dst.Rate = flags.Rate
		case "decay":
			dst.Decay = flags.Decay
		case "momentum":
			dst.Momentum = flags.Momentum
		case "l2":
			dst.WeightDecay = flags.WeightDecay
		case "plateau":
			dst.PlateauPatience = flags.PlateauPatience
		case "earlystop":
			dst.StopPatience = flags.StopPatience
		case "mindelta":
			dst.StopMinDelta = flags.StopMinDelta
		case "augment":
			dst.Augment = flags.Augment
		case "featurewise":
			dst.Featurewise = flags.Featurewise
		}
	})
}

func equalClasses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if x != b[i] {
			return false
		}
	}
	return true
}
