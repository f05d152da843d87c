package imageset

import (
	"crypto/md5"
	"image"
	"image/color"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/unixpickle/anynet/anyff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/zhuyiche/IronClassification/resnet"
)

const normalizeEpsilon = 1e-7

// A SampleList is a lazily-decoded anyff.SampleList over an
// image Index. Images are decoded, resized, optionally
// augmented, and normalized when a sample is fetched.
//
// Without Stats, each sample is normalized on its own to zero
// mean and unit deviation. With Stats, the dataset's per-channel
// statistics are used instead.
type SampleList struct {
	// Augment, if non-nil, perturbs every fetched sample.
	Augment *Augmenter

	// Stats, if non-nil, switches to per-channel dataset
	// normalization.
	Stats *Stats

	creator anyvec.Creator
	index   *Index
	ids     []int
	dims    resnet.Dims
	cache   [][]float64
}

// NewSampleList creates a SampleList over all images in an
// Index, decoding everything to the given tensor shape.
func NewSampleList(c anyvec.Creator, index *Index, dims resnet.Dims) *SampleList {
	ids := make([]int, index.Len())
	for i := range ids {
		ids[i] = i
	}
	return &SampleList{
		creator: c,
		index:   index,
		ids:     ids,
		dims:    dims,
	}
}

// Creator returns the vector creator samples are made with.
func (s *SampleList) Creator() anyvec.Creator {
	return s.creator
}

// Len returns the number of samples.
func (s *SampleList) Len() int {
	return len(s.ids)
}

// Swap swaps two samples.
func (s *SampleList) Swap(i, j int) {
	s.ids[i], s.ids[j] = s.ids[j], s.ids[i]
}

// Slice copies a sub-range of the list.
func (s *SampleList) Slice(i, j int) anysgd.SampleList {
	return &SampleList{
		Augment: s.Augment,
		Stats:   s.Stats,
		creator: s.creator,
		index:   s.index,
		ids:     append([]int{}, s.ids[i:j]...),
		dims:    s.dims,
		cache:   s.cache,
	}
}

// Preload decodes every image in the list up front and keeps the
// tensors in memory, so fetches never return to the filesystem.
// Slices taken afterwards share the cache.
func (s *SampleList) Preload() error {
	cache := make([][]float64, s.index.Len())
	for _, id := range s.ids {
		tensor, err := s.decodeTensor(s.index.Paths[id])
		if err != nil {
			return err
		}
		cache[id] = tensor
	}
	s.cache = cache
	return nil
}

// Hash returns a stable hash of a sample's file path, so that
// dataset splits survive reordering and re-scans.
func (s *SampleList) Hash(i int) []byte {
	sum := md5.Sum([]byte(s.index.Paths[s.ids[i]]))
	return sum[:]
}

// Label returns a sample's class index.
func (s *SampleList) Label(i int) int {
	return s.index.Labels[s.ids[i]]
}

// GetSample decodes, augments, and normalizes one sample.
func (s *SampleList) GetSample(i int) (*anyff.Sample, error) {
	tensor, err := s.rawTensor(i)
	if err != nil {
		return nil, err
	}
	if s.Augment != nil {
		tensor = s.Augment.Apply(tensor, s.dims)
	}
	if s.Stats != nil {
		s.Stats.Normalize(tensor, s.dims.Depth)
	} else {
		normalizeSample(tensor)
	}

	label := s.index.Labels[s.ids[i]]
	oneHot := make([]float64, len(s.index.Classes))
	oneHot[label] = 1

	return &anyff.Sample{
		Input:  s.creator.MakeVectorData(s.creator.MakeNumericList(tensor)),
		Output: s.creator.MakeVectorData(s.creator.MakeNumericList(oneHot)),
	}, nil
}

// rawTensor produces a sample's decoded, resized tensor without
// augmentation or normalization. Cached tensors are copied, since
// normalization works in place.
func (s *SampleList) rawTensor(i int) ([]float64, error) {
	id := s.ids[i]
	if s.cache != nil && s.cache[id] != nil {
		return append([]float64{}, s.cache[id]...), nil
	}
	return s.decodeTensor(s.index.Paths[id])
}

// decodeTensor decodes and resizes an image, scaling components
// to [0, 1].
func (s *SampleList) decodeTensor(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load sample %s", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load sample %s", path)
	}
	bounds := img.Bounds()
	if bounds.Dx() != s.dims.Width || bounds.Dy() != s.dims.Height {
		img = resize.Resize(uint(s.dims.Width), uint(s.dims.Height), img,
			resize.Bilinear)
	}
	return imageTensor(img, s.dims), nil
}

func imageTensor(img image.Image, dims resnet.Dims) []float64 {
	bounds := img.Bounds()
	res := make([]float64, dims.Volume())
	idx := 0
	for y := 0; y < dims.Height; y++ {
		for x := 0; x < dims.Width; x++ {
			px := img.At(bounds.Min.X+x, bounds.Min.Y+y)
			if dims.Depth == 1 {
				gray := color.GrayModel.Convert(px).(color.Gray)
				res[idx] = float64(gray.Y) / 0xff
				idx++
				continue
			}
			r, g, b, _ := px.RGBA()
			channels := [3]float64{
				float64(r>>8) / 0xff,
				float64(g>>8) / 0xff,
				float64(b>>8) / 0xff,
			}
			for d := 0; d < dims.Depth && d < 3; d++ {
				res[idx+d] = channels[d]
			}
			idx += dims.Depth
		}
	}
	return res
}

// normalizeSample shifts and scales a tensor in place to zero
// mean and unit deviation.
func normalizeSample(t []float64) {
	var sum float64
	for _, x := range t {
		sum += x
	}
	mean := sum / float64(len(t))
	var sqSum float64
	for i, x := range t {
		x -= mean
		t[i] = x
		sqSum += x * x
	}
	std := math.Sqrt(sqSum / float64(len(t)))
	scale := 1 / (std + normalizeEpsilon)
	for i := range t {
		t[i] *= scale
	}
}
