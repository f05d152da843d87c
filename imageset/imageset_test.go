package imageset

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/zhuyiche/IronClassification/resnet"
)

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "cats", "a.png"), 4, 4, color.NRGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "cats", "b.png"), 4, 4, color.NRGBA{G: 255, A: 255})
	writePNG(t, filepath.Join(dir, "dogs", "a.png"), 4, 4, color.NRGBA{B: 255, A: 255})
	mustWrite(t, filepath.Join(dir, "dogs", "notes.txt"), []byte("not an image"))
	mustMkdir(t, filepath.Join(dir, "empty"))
	mustWrite(t, filepath.Join(dir, "stray.png"), []byte("ignored, not in a class"))

	index, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(index.Classes, []string{"cats", "dogs"}) {
		t.Errorf("bad classes: %v", index.Classes)
	}
	if index.Len() != 3 {
		t.Errorf("expected 3 samples but got %d", index.Len())
	}
	if !reflect.DeepEqual(index.Counts(), []int{2, 1}) {
		t.Errorf("bad counts: %v", index.Counts())
	}
	for i, path := range index.Paths {
		class := index.Classes[index.Labels[i]]
		if filepath.Base(filepath.Dir(path)) != class {
			t.Errorf("sample %s labeled %s", path, class)
		}
	}
}

func TestScanErrors(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
	empty := t.TempDir()
	mustMkdir(t, filepath.Join(empty, "class"))
	if _, err := Scan(empty); err == nil {
		t.Error("expected error for dataset with no images")
	}
}

func TestSampleList(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a", "1.png"), 4, 4, color.NRGBA{R: 51, G: 102, B: 255, A: 255})
	writePNG(t, filepath.Join(dir, "b", "1.png"), 8, 6, color.NRGBA{R: 153, G: 102, B: 51, A: 255})

	index, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	dims := resnet.Dims{Width: 4, Height: 4, Depth: 3}
	list := NewSampleList(anyvec64.DefaultCreator{}, index, dims)

	if list.Len() != 2 {
		t.Fatalf("expected 2 samples but got %d", list.Len())
	}
	for i := 0; i < list.Len(); i++ {
		sample, err := list.GetSample(i)
		if err != nil {
			t.Fatal(err)
		}
		in := sample.Input.Data().([]float64)
		if len(in) != dims.Volume() {
			t.Errorf("sample %d: input len %d", i, len(in))
		}
		out := sample.Output.Data().([]float64)
		if len(out) != 2 {
			t.Fatalf("sample %d: output len %d", i, len(out))
		}
		if out[list.Label(i)] != 1 {
			t.Errorf("sample %d: bad one-hot %v for label %d", i, out, list.Label(i))
		}
	}
}

func TestSampleNormalization(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a", "grad.png"), 4, 4, color.NRGBA{A: 255},
		gradient)
	writePNG(t, filepath.Join(dir, "b", "flat.png"), 4, 4,
		color.NRGBA{R: 100, G: 100, B: 100, A: 255})

	index, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	dims := resnet.Dims{Width: 4, Height: 4, Depth: 3}
	list := NewSampleList(anyvec64.DefaultCreator{}, index, dims)

	sample, err := list.GetSample(0)
	if err != nil {
		t.Fatal(err)
	}
	in := sample.Input.Data().([]float64)
	var sum, sqSum float64
	for _, x := range in {
		sum += x
		sqSum += x * x
	}
	mean := sum / float64(len(in))
	std := math.Sqrt(sqSum/float64(len(in)) - mean*mean)
	if math.Abs(mean) > 1e-6 {
		t.Errorf("mean %f after normalization", mean)
	}
	if math.Abs(std-1) > 1e-3 {
		t.Errorf("deviation %f after normalization", std)
	}
}

func TestSampleListSlice(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1", "2", "3", "4"} {
		writePNG(t, filepath.Join(dir, "a", name+".png"), 2, 2,
			color.NRGBA{R: 255, A: 255})
	}
	index, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	list := NewSampleList(anyvec64.DefaultCreator{}, index,
		resnet.Dims{Width: 2, Height: 2, Depth: 3})

	sub := list.Slice(1, 3)
	if sub.Len() != 2 {
		t.Fatalf("expected len 2 but got %d", sub.Len())
	}
	hashBefore := list.Hash(1)
	sub.Swap(0, 1)
	if !bytes.Equal(list.Hash(1), hashBefore) {
		t.Error("swapping a slice changed the parent list")
	}
	if bytes.Equal(list.Hash(0), list.Hash(1)) {
		t.Error("different paths share a hash")
	}
	if !bytes.Equal(list.Hash(0), list.Hash(0)) {
		t.Error("hash is not stable")
	}
}

func TestPreload(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a", "1.png"), 2, 2, color.NRGBA{A: 255},
		gradient)
	writePNG(t, filepath.Join(dir, "b", "1.png"), 2, 2,
		color.NRGBA{R: 200, A: 255})

	index, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	list := NewSampleList(anyvec64.DefaultCreator{}, index,
		resnet.Dims{Width: 2, Height: 2, Depth: 3})
	before, err := list.GetSample(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := list.Preload(); err != nil {
		t.Fatal(err)
	}

	// Fetches should no longer touch the filesystem.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	after, err := list.GetSample(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before.Input.Data(), after.Input.Data()) {
		t.Error("cached sample differs from decoded sample")
	}
	again, err := list.GetSample(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(after.Input.Data(), again.Input.Data()) {
		t.Error("fetching mutated the cache")
	}
	sub := list.Slice(0, 2)
	if _, err := sub.(*SampleList).GetSample(1); err != nil {
		t.Errorf("slice after preload: %v", err)
	}
}

func TestComputeStats(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a", "1.png"), 2, 2,
		color.NRGBA{R: 51, G: 102, B: 255, A: 255})
	writePNG(t, filepath.Join(dir, "b", "1.png"), 2, 2,
		color.NRGBA{R: 153, G: 102, B: 51, A: 255})

	index, err := Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	list := NewSampleList(anyvec64.DefaultCreator{}, index,
		resnet.Dims{Width: 2, Height: 2, Depth: 3})
	stats, err := ComputeStats(list)
	if err != nil {
		t.Fatal(err)
	}

	expectedMean := []float64{0.4, 0.4, 0.6}
	expectedStd := []float64{0.2, 0, 0.4}
	for d := 0; d < 3; d++ {
		if math.Abs(stats.Mean[d]-expectedMean[d]) > 1e-6 {
			t.Errorf("channel %d: mean %f", d, stats.Mean[d])
		}
		if math.Abs(stats.Std[d]-expectedStd[d]) > 1e-6 {
			t.Errorf("channel %d: std %f", d, stats.Std[d])
		}
	}

	path := filepath.Join(t.TempDir(), "stats.json")
	if err := stats.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadStats(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stats, loaded) {
		t.Error("loaded stats differ")
	}

	list.Stats = stats
	sample, err := list.GetSample(0)
	if err != nil {
		t.Fatal(err)
	}
	in := sample.Input.Data().([]float64)
	expected := (0.2 - 0.4) / (0.2 + normalizeEpsilon)
	if math.Abs(in[0]-expected) > 1e-6 {
		t.Errorf("expected %f but got %f", expected, in[0])
	}
}

// gradient fills pixels with values that vary by position.
func gradient(x, y int) color.NRGBA {
	return color.NRGBA{
		R: uint8(x * 60),
		G: uint8(y * 60),
		B: uint8((x + y) * 30),
		A: 255,
	}
}

func writePNG(t *testing.T, path string, w, h int, fill color.NRGBA,
	genFuncs ...func(x, y int) color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := fill
			for _, f := range genFuncs {
				px = f(x, y)
			}
			img.SetNRGBA(x, y, px)
		}
	}
	mustMkdir(t, filepath.Dir(path))
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	mustMkdir(t, filepath.Dir(path))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}
