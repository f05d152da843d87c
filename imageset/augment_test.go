package imageset

import (
	"math"
	"math/rand"
	"testing"

	"github.com/zhuyiche/IronClassification/resnet"
)

func TestReflectIndex(t *testing.T) {
	expected := map[int]int{
		-2: 1, -1: 0, 0: 0, 1: 1, 2: 2, 3: 3, 4: 3, 5: 2, 6: 1, 7: 0, 8: 0,
	}
	for x, want := range expected {
		if got := reflectIndex(x, 4); got != want {
			t.Errorf("reflectIndex(%d, 4): expected %d but got %d", x, want, got)
		}
	}
	if got := reflectIndex(5, 1); got != 0 {
		t.Errorf("reflectIndex(5, 1): expected 0 but got %d", got)
	}
}

func TestFlip(t *testing.T) {
	dims := resnet.Dims{Width: 2, Height: 2, Depth: 2}
	tensor := []float64{1, 10, 2, 20, 3, 30, 4, 40}
	horizontal := flip(tensor, dims, true)
	if !sliceEqual(horizontal, []float64{2, 20, 1, 10, 4, 40, 3, 30}) {
		t.Errorf("bad horizontal flip: %v", horizontal)
	}
	vertical := flip(tensor, dims, false)
	if !sliceEqual(vertical, []float64{3, 30, 4, 40, 1, 10, 2, 20}) {
		t.Errorf("bad vertical flip: %v", vertical)
	}
}

func TestAugmenterIdentity(t *testing.T) {
	dims := resnet.Dims{Width: 3, Height: 2, Depth: 1}
	tensor := []float64{1, 2, 3, 4, 5, 6}
	aug := &Augmenter{}
	out := aug.Apply(tensor, dims)
	if !sliceEqual(out, tensor) {
		t.Errorf("expected %v but got %v", tensor, out)
	}
	out[0] = -5
	if tensor[0] != 1 {
		t.Error("augmenter returned the input slice")
	}
}

func TestAugmenterDeterminism(t *testing.T) {
	dims := resnet.Dims{Width: 5, Height: 5, Depth: 2}
	tensor := make([]float64, dims.Volume())
	for i := range tensor {
		tensor[i] = float64(i % 13)
	}

	run := func(seed int64) []float64 {
		aug := DefaultAugmenter()
		aug.Rand = rand.New(rand.NewSource(seed))
		return aug.Apply(tensor, dims)
	}
	if !sliceEqual(run(3), run(3)) {
		t.Error("same seed produced different outputs")
	}
}

func TestAugmenterRange(t *testing.T) {
	dims := resnet.Dims{Width: 6, Height: 6, Depth: 1}
	tensor := make([]float64, dims.Volume())
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range tensor {
		tensor[i] = float64((i*7)%11) - 5
		lo = math.Min(lo, tensor[i])
		hi = math.Max(hi, tensor[i])
	}

	aug := DefaultAugmenter()
	aug.Rand = rand.New(rand.NewSource(11))
	for trial := 0; trial < 10; trial++ {
		out := aug.Apply(tensor, dims)
		if len(out) != len(tensor) {
			t.Fatalf("trial %d: length changed to %d", trial, len(out))
		}
		for i, x := range out {
			if x < lo-1e-9 || x > hi+1e-9 {
				t.Fatalf("trial %d: output %d is %f, outside [%f, %f]",
					trial, i, x, lo, hi)
			}
		}
	}
}

func sliceEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, x := range a {
		if math.Abs(x-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}
