package imageset

import (
	"math"
	"math/rand"

	"github.com/zhuyiche/IronClassification/resnet"
	"gonum.org/v1/gonum/mat"
)

// An Augmenter randomly perturbs image tensors: a combined
// rotation, shift, shear, and zoom, followed by optional
// flips. Out-of-bounds samples are filled by reflecting the
// image at its edges.
//
// The zero value performs no augmentation.
type Augmenter struct {
	// Rotation is the maximum rotation angle in degrees.
	Rotation float64

	// WidthShift and HeightShift are maximum translations as
	// fractions of the image size.
	WidthShift  float64
	HeightShift float64

	// Shear is the maximum shear angle in degrees.
	Shear float64

	// Zoom is the maximum relative scale change per axis.
	Zoom float64

	HorizontalFlip bool
	VerticalFlip   bool

	// Rand, if non-nil, replaces the global random source.
	Rand *rand.Rand
}

// DefaultAugmenter returns the augmentation settings used for
// photographic training sets: 10 degree rotations and shears,
// 10% shifts and zooms, and flips along both axes.
func DefaultAugmenter() *Augmenter {
	return &Augmenter{
		Rotation:       10,
		WidthShift:     0.1,
		HeightShift:    0.1,
		Shear:          10,
		Zoom:           0.1,
		HorizontalFlip: true,
		VerticalFlip:   true,
	}
}

// Apply transforms a tensor of the given shape, returning a new
// tensor and leaving the input intact.
func (a *Augmenter) Apply(t []float64, dims resnet.Dims) []float64 {
	out := t
	changed := false
	if a.Rotation != 0 || a.WidthShift != 0 || a.HeightShift != 0 ||
		a.Shear != 0 || a.Zoom != 0 {
		out = a.warp(out, dims)
		changed = true
	}
	if a.HorizontalFlip && a.coin() {
		out = flip(out, dims, true)
		changed = true
	}
	if a.VerticalFlip && a.coin() {
		out = flip(out, dims, false)
		changed = true
	}
	if !changed {
		out = append([]float64{}, t...)
	}
	return out
}

// warp applies the random affine part of the augmentation by
// mapping each output pixel back into the source image.
func (a *Augmenter) warp(t []float64, dims resnet.Dims) []float64 {
	theta := radians(a.uniform(a.Rotation))
	shear := radians(a.uniform(a.Shear))
	shiftY := a.uniform(a.HeightShift) * float64(dims.Height)
	shiftX := a.uniform(a.WidthShift) * float64(dims.Width)
	zoomY := 1 + a.uniform(a.Zoom)
	zoomX := 1 + a.uniform(a.Zoom)

	// Row-major coordinates: a point is (y, x, 1).
	rotation := mat.NewDense(3, 3, []float64{
		math.Cos(theta), -math.Sin(theta), 0,
		math.Sin(theta), math.Cos(theta), 0,
		0, 0, 1,
	})
	translation := mat.NewDense(3, 3, []float64{
		1, 0, shiftY,
		0, 1, shiftX,
		0, 0, 1,
	})
	shearing := mat.NewDense(3, 3, []float64{
		1, -math.Sin(shear), 0,
		0, math.Cos(shear), 0,
		0, 0, 1,
	})
	zooming := mat.NewDense(3, 3, []float64{
		zoomY, 0, 0,
		0, zoomX, 0,
		0, 0, 1,
	})

	transform := mat.NewDense(3, 3, nil)
	transform.Mul(rotation, translation)
	transform.Mul(transform, shearing)
	transform.Mul(transform, zooming)
	centerOn(transform, float64(dims.Height)/2+0.5, float64(dims.Width)/2+0.5)

	out := make([]float64, len(t))
	idx := 0
	for y := 0; y < dims.Height; y++ {
		for x := 0; x < dims.Width; x++ {
			srcY := transform.At(0, 0)*float64(y) + transform.At(0, 1)*float64(x) +
				transform.At(0, 2)
			srcX := transform.At(1, 0)*float64(y) + transform.At(1, 1)*float64(x) +
				transform.At(1, 2)
			for d := 0; d < dims.Depth; d++ {
				out[idx] = bilinear(t, dims, srcY, srcX, d)
				idx++
			}
		}
	}
	return out
}

// centerOn conjugates a transform with a translation so that it
// acts around the image center rather than the origin.
func centerOn(transform *mat.Dense, cy, cx float64) {
	forward := mat.NewDense(3, 3, []float64{
		1, 0, cy,
		0, 1, cx,
		0, 0, 1,
	})
	backward := mat.NewDense(3, 3, []float64{
		1, 0, -cy,
		0, 1, -cx,
		0, 0, 1,
	})
	transform.Mul(forward, transform)
	transform.Mul(transform, backward)
}

// bilinear samples a channel at fractional coordinates,
// reflecting at the image borders.
func bilinear(t []float64, dims resnet.Dims, y, x float64, d int) float64 {
	y0 := int(math.Floor(y))
	x0 := int(math.Floor(x))
	fy := y - float64(y0)
	fx := x - float64(x0)

	v00 := at(t, dims, y0, x0, d)
	v01 := at(t, dims, y0, x0+1, d)
	v10 := at(t, dims, y0+1, x0, d)
	v11 := at(t, dims, y0+1, x0+1, d)

	top := v00*(1-fx) + v01*fx
	bottom := v10*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy
}

func at(t []float64, dims resnet.Dims, y, x, d int) float64 {
	y = reflectIndex(y, dims.Height)
	x = reflectIndex(x, dims.Width)
	return t[(y*dims.Width+x)*dims.Depth+d]
}

// reflectIndex mirrors an index into [0, n), duplicating the
// edge samples like scipy's "reflect" fill mode.
func reflectIndex(x, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	x %= period
	if x < 0 {
		x += period
	}
	if x >= n {
		x = period - 1 - x
	}
	return x
}

func flip(t []float64, dims resnet.Dims, horizontal bool) []float64 {
	out := make([]float64, len(t))
	for y := 0; y < dims.Height; y++ {
		for x := 0; x < dims.Width; x++ {
			srcY, srcX := y, x
			if horizontal {
				srcX = dims.Width - 1 - x
			} else {
				srcY = dims.Height - 1 - y
			}
			src := (srcY*dims.Width + srcX) * dims.Depth
			dst := (y*dims.Width + x) * dims.Depth
			copy(out[dst:dst+dims.Depth], t[src:src+dims.Depth])
		}
	}
	return out
}

func (a *Augmenter) uniform(max float64) float64 {
	if max == 0 {
		return 0
	}
	if a.Rand != nil {
		return a.Rand.Float64()*2*max - max
	}
	return rand.Float64()*2*max - max
}

func (a *Augmenter) coin() bool {
	if a.Rand != nil {
		return a.Rand.Intn(2) == 0
	}
	return rand.Intn(2) == 0
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
