package imageset

import (
	"encoding/json"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Stats holds per-channel dataset statistics for featurewise
// normalization. Values refer to raw [0, 1] image components,
// before any augmentation.
type Stats struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// ComputeStats decodes every image in a SampleList once and
// measures the per-channel mean and deviation, using one worker
// per CPU core.
func ComputeStats(list *SampleList) (*Stats, error) {
	if list.Len() == 0 {
		return nil, errors.New("compute stats: empty sample list")
	}
	depth := list.dims.Depth
	sums := make([]*atomic.Float64, depth)
	sqSums := make([]*atomic.Float64, depth)
	for i := 0; i < depth; i++ {
		sums[i] = atomic.NewFloat64(0)
		sqSums[i] = atomic.NewFloat64(0)
	}

	indices := make(chan int, list.Len())
	for i := 0; i < list.Len(); i++ {
		indices <- i
	}
	close(indices)

	workers := cpuid.CPU.LogicalCores
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > list.Len() {
		workers = list.Len()
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localSum := make([]float64, depth)
			localSq := make([]float64, depth)
			for i := range indices {
				tensor, err := list.rawTensor(i)
				if err != nil {
					errs <- err
					return
				}
				for j, x := range tensor {
					localSum[j%depth] += x
					localSq[j%depth] += x * x
				}
			}
			for d := 0; d < depth; d++ {
				sums[d].Add(localSum[d])
				sqSums[d].Add(localSq[d])
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, errors.Wrap(err, "compute stats")
	}

	pixels := float64(list.Len() * list.dims.Width * list.dims.Height)
	res := &Stats{
		Mean: make([]float64, depth),
		Std:  make([]float64, depth),
	}
	for d := 0; d < depth; d++ {
		mean := sums[d].Load() / pixels
		variance := sqSums[d].Load()/pixels - mean*mean
		if variance < 0 {
			variance = 0
		}
		res.Mean[d] = mean
		res.Std[d] = math.Sqrt(variance)
	}
	return res, nil
}

// LoadStats reads statistics saved by SaveFile.
func LoadStats(path string) (*Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load stats")
	}
	var res Stats
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(err, "load stats")
	}
	return &res, nil
}

// SaveFile writes the statistics as JSON.
func (s *Stats) SaveFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "save stats")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "save stats")
	}
	return nil
}

// Normalize shifts and scales an interleaved tensor in place
// using the per-channel statistics.
func (s *Stats) Normalize(t []float64, depth int) {
	for i, x := range t {
		d := i % depth
		t[i] = (x - s.Mean[d]) / (s.Std[d] + normalizeEpsilon)
	}
}
