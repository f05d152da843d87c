// Package resnet builds residual image classifiers on top of
// anynet, covering the plain bottleneck family, its
// grouped-convolution relatives, and a two-convolution
// pre-activation family for shallow depths.
//
// Networks are anynet.Nets throughout, so they serialize with
// the serializer package and train with anysgd like any other
// feed-forward model.
package resnet

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
)

// StemDepth is the channel count produced by the stem
// convolution; stage i then works with StemDepth<<i base
// filters.
const StemDepth = 64

// Dims describes the shape of an image tensor: column-major
// pixels with interleaved channels, width varying fastest.
type Dims struct {
	Width  int
	Height int
	Depth  int
}

// Volume is the number of components in a tensor of this shape.
func (d Dims) Volume() int {
	return d.Width * d.Height * d.Depth
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.Width, d.Height, d.Depth)
}

// A Builder configures a residual classifier.
//
// The zero value is not usable: Input, NumClasses, and
// Repetitions must be set. A nil Variant defaults to ResNet().
type Builder struct {
	// Input is the expected image shape.
	Input Dims

	// NumClasses is the size of the output distribution.
	NumClasses int

	// Repetitions gives the number of residual blocks per
	// stage. Each stage after the first halves the spatial
	// resolution and doubles the base filter count.
	Repetitions []int

	// Variant chooses the residual block family.
	Variant Variant
}

// NewBuilder creates a Builder from a backbone name such as
// "resnet50" or "xresnet101".
func NewBuilder(backbone string, input Dims, numClasses int) (*Builder, error) {
	variant, reps, err := ParseBackbone(backbone)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Input:       input,
		NumClasses:  numClasses,
		Repetitions: reps,
		Variant:     variant,
	}, nil
}

// Build assembles the network: a 7x7 stride-2 stem with 2x2
// max pooling, the configured residual stages, and a global
// average pooling classifier head ending in a log-softmax.
func (b *Builder) Build(c anyvec.Creator) (anynet.Net, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	variant := b.variant()

	var net anynet.Net
	d := b.Input

	// Stem.
	pad, padded := samePad(d, 7, 2)
	if pad != nil {
		net = append(net, pad)
	}
	conv, d := newConv(c, padded, StemDepth, 7, 2)
	net = append(net, conv, anyconv.NewBatchNorm(c, d.Depth), anynet.ReLU)
	net = append(net, &anyconv.MaxPool{
		SpanX:       2,
		SpanY:       2,
		StrideX:     2,
		StrideY:     2,
		InputWidth:  d.Width,
		InputHeight: d.Height,
		InputDepth:  d.Depth,
	})
	d = Dims{Width: poolSize(d.Width, 2), Height: poolSize(d.Height, 2), Depth: d.Depth}

	// Residual stages.
	for i, reps := range b.Repetitions {
		filters := StemDepth << uint(i)
		stride := 2
		if i == 0 {
			stride = 1
		}
		block, out, err := variant.ProjectionBlock(c, d, filters, stride)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %s", i+1, err)
		}
		net = append(net, block)
		d = out
		for j := 1; j < reps; j++ {
			block, out, err = variant.IdentityBlock(c, d, filters)
			if err != nil {
				return nil, fmt.Errorf("stage %d block %d: %s", i+1, j+1, err)
			}
			net = append(net, block)
			d = out
		}
	}

	// Head.
	net = append(net, anyconv.NewBatchNorm(c, d.Depth), anynet.ReLU)
	net = append(net, &anyconv.MeanPool{
		SpanX:       d.Width,
		SpanY:       d.Height,
		StrideX:     d.Width,
		StrideY:     d.Height,
		InputWidth:  d.Width,
		InputHeight: d.Height,
		InputDepth:  d.Depth,
	})
	net = append(net, anynet.NewFC(c, d.Depth, b.NumClasses), anynet.LogSoftmax)
	return net, nil
}

// OutputDims returns the tensor shape entering the classifier
// head, without building any layers.
func (b *Builder) OutputDims() (Dims, error) {
	if err := b.validate(); err != nil {
		return Dims{}, err
	}
	d := b.Input
	_, padded := samePad(d, 7, 2)
	d = Dims{
		Width:  1 + (padded.Width-7)/2,
		Height: 1 + (padded.Height-7)/2,
		Depth:  StemDepth,
	}
	d = Dims{Width: poolSize(d.Width, 2), Height: poolSize(d.Height, 2), Depth: d.Depth}
	expansion := b.variant().Expansion()
	for i := range b.Repetitions {
		filters := StemDepth << uint(i)
		if i > 0 {
			d.Width = (d.Width + 1) / 2
			d.Height = (d.Height + 1) / 2
		}
		d.Depth = filters * expansion
	}
	return d, nil
}

// Summary formats the network's shape progression, one line per
// stage, for logging.
func (b *Builder) Summary() (string, error) {
	if err := b.validate(); err != nil {
		return "", err
	}
	head, err := b.OutputDims()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	d := b.Input
	fmt.Fprintf(&buf, "input              %s\n", d)

	_, padded := samePad(d, 7, 2)
	d = Dims{
		Width:  1 + (padded.Width-7)/2,
		Height: 1 + (padded.Height-7)/2,
		Depth:  StemDepth,
	}
	fmt.Fprintf(&buf, "stem conv 7x7/2    %s\n", d)
	d = Dims{Width: poolSize(d.Width, 2), Height: poolSize(d.Height, 2), Depth: d.Depth}
	fmt.Fprintf(&buf, "stem pool 2x2      %s\n", d)

	expansion := b.variant().Expansion()
	for i, reps := range b.Repetitions {
		filters := StemDepth << uint(i)
		if i > 0 {
			d.Width = (d.Width + 1) / 2
			d.Height = (d.Height + 1) / 2
		}
		d.Depth = filters * expansion
		fmt.Fprintf(&buf, "stage %d (%2d blocks) %s\n", i+1, reps, d)
	}
	fmt.Fprintf(&buf, "global avg pool    1x1x%d\n", head.Depth)
	fmt.Fprintf(&buf, "fc + log-softmax   %d\n", b.NumClasses)
	return buf.String(), nil
}

func (b *Builder) validate() error {
	if b.Input.Width < 1 || b.Input.Height < 1 || b.Input.Depth < 1 {
		return fmt.Errorf("build resnet: bad input dimensions %s", b.Input)
	}
	if b.NumClasses < 2 {
		return fmt.Errorf("build resnet: need at least 2 classes (got %d)", b.NumClasses)
	}
	if len(b.Repetitions) == 0 {
		return fmt.Errorf("build resnet: no stages configured")
	}
	for i, r := range b.Repetitions {
		if r < 1 {
			return fmt.Errorf("build resnet: stage %d has %d blocks", i+1, r)
		}
	}
	return nil
}

func (b *Builder) variant() Variant {
	if b.Variant == nil {
		return ResNet()
	}
	return b.Variant
}

// StagesForDepth returns the per-stage block counts of a named
// network depth (18, 34, 50, 101, or 152).
func StagesForDepth(depth int) ([]int, error) {
	switch depth {
	case 18:
		return []int{2, 2, 2, 2}, nil
	case 34, 50:
		return []int{3, 4, 6, 3}, nil
	case 101:
		return []int{3, 4, 23, 3}, nil
	case 152:
		return []int{3, 8, 36, 3}, nil
	}
	return nil, fmt.Errorf("no preset for depth %d", depth)
}

// ParseBackbone splits a backbone name like "resnet50",
// "xresnet101", or "dresnext152" into a block family and stage
// repetitions. Depths 18 and 34 of the plain family use the
// two-convolution basic blocks; all other combinations use the
// family's bottleneck.
func ParseBackbone(name string) (Variant, []int, error) {
	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == name || trimmed == "" {
		return nil, nil, fmt.Errorf("bad backbone name: %q", name)
	}
	depth, err := strconv.Atoi(name[len(trimmed):])
	if err != nil {
		return nil, nil, fmt.Errorf("bad backbone name: %q", name)
	}
	reps, err := StagesForDepth(depth)
	if err != nil {
		return nil, nil, fmt.Errorf("bad backbone %q: %s", name, err)
	}
	family := trimmed
	if family == "resnet" && depth < 50 {
		family = "basic"
	}
	variant, err := VariantByName(family)
	if err != nil {
		return nil, nil, fmt.Errorf("bad backbone %q: %s", name, err)
	}
	return variant, reps, nil
}
