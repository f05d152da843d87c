package resnet

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
)

// DefaultCardinality is the number of convolution groups used
// by the grouped variants when no explicit cardinality is
// configured.
const DefaultCardinality = 32

// A Variant builds the residual blocks of one network family.
//
// ProjectionBlock starts a stage: it may change the spatial
// resolution (via stride) and always brings the depth to the
// stage's output depth, using a learned shortcut. IdentityBlock
// continues a stage at constant shape with an identity shortcut.
//
// Implementations must be stateless with respect to building:
// calling a block method twice with the same arguments must
// produce two independent layers.
type Variant interface {
	// Name returns the canonical family name.
	Name() string

	// Expansion is the ratio of a block's output depth to its
	// base filter count.
	Expansion() int

	// ProjectionBlock creates a stride-s block mapping in to
	// filters*Expansion() output channels.
	ProjectionBlock(c anyvec.Creator, in Dims, filters, stride int) (anynet.Layer, Dims, error)

	// IdentityBlock creates a shape-preserving block. The input
	// depth must already equal filters*Expansion().
	IdentityBlock(c anyvec.Creator, in Dims, filters int) (anynet.Layer, Dims, error)
}

var variants = map[string]Variant{}

var variantAliases = map[string]string{
	"xresnet": "resnext",
	"dresnet": "dresnext",
}

func init() {
	RegisterVariant(ResNet())
	RegisterVariant(ResNeXt(DefaultCardinality))
	RegisterVariant(DResNeXt(DefaultCardinality))
	RegisterVariant(Basic())
}

// RegisterVariant makes a variant available to VariantByName
// and ParseBackbone under its canonical name. It panics if the
// name is already taken.
func RegisterVariant(v Variant) {
	if _, ok := variants[v.Name()]; ok {
		panic("register variant: duplicate name " + v.Name())
	}
	variants[v.Name()] = v
}

// VariantByName looks up a registered variant by canonical name
// or alias.
func VariantByName(name string) (Variant, error) {
	if canon, ok := variantAliases[name]; ok {
		name = canon
	}
	if v, ok := variants[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown variant: %q", name)
}

// ResNet returns the standard bottleneck family: three stacked
// convolutions (1x1, 3x3, 1x1) with a 4x depth expansion.
func ResNet() Variant {
	return &bottleneckVariant{name: "resnet"}
}

// ResNeXt returns the grouped-convolution family. The middle
// 3x3 convolution runs cardinality parallel groups over a
// doubled bottleneck width.
func ResNeXt(cardinality int) Variant {
	return &bottleneckVariant{name: "resnext", cardinality: cardinality}
}

// DResNeXt returns the grouped family with pooled projection
// shortcuts: a downsampling shortcut average-pools first and
// then projects with a stride-1 convolution, instead of
// projecting with a strided 1x1 convolution that would skip
// three quarters of its input.
func DResNeXt(cardinality int) Variant {
	return &bottleneckVariant{name: "dresnext", cardinality: cardinality, pooledShortcut: true}
}

// Basic returns the two-convolution pre-activation family used
// for shallow depths, where bottlenecks would waste capacity.
func Basic() Variant {
	return &basicVariant{}
}

// bottleneckVariant covers the three bottleneck families, which
// differ only in the middle convolution's grouping and in the
// downsampling shortcut.
type bottleneckVariant struct {
	name           string
	cardinality    int
	pooledShortcut bool
}

func (b *bottleneckVariant) Name() string {
	return b.name
}

func (b *bottleneckVariant) Expansion() int {
	return 4
}

func (b *bottleneckVariant) ProjectionBlock(c anyvec.Creator, in Dims, filters,
	stride int) (anynet.Layer, Dims, error) {
	main, out, err := b.mainPath(c, in, filters, stride)
	if err != nil {
		return nil, Dims{}, err
	}
	var shortcut anynet.Net
	scIn := in
	if b.pooledShortcut && stride > 1 {
		pool := &anyconv.MeanPool{
			SpanX:       stride,
			SpanY:       stride,
			StrideX:     stride,
			StrideY:     stride,
			InputWidth:  scIn.Width,
			InputHeight: scIn.Height,
			InputDepth:  scIn.Depth,
		}
		shortcut = append(shortcut, pool)
		scIn = Dims{
			Width:  poolSize(scIn.Width, stride),
			Height: poolSize(scIn.Height, stride),
			Depth:  scIn.Depth,
		}
		stride = 1
	}
	proj, scOut := newConv(c, scIn, out.Depth, 1, stride)
	shortcut = append(shortcut, proj, anyconv.NewBatchNorm(c, scOut.Depth))
	if scOut != out {
		return nil, Dims{}, fmt.Errorf("%s block: shortcut shape %v does not match main path %v",
			b.name, scOut, out)
	}
	block := anynet.Net{
		&anyconv.Residual{Layer: main, Projection: shortcut},
		anynet.ReLU,
	}
	return block, out, nil
}

func (b *bottleneckVariant) IdentityBlock(c anyvec.Creator, in Dims,
	filters int) (anynet.Layer, Dims, error) {
	if in.Depth != filters*b.Expansion() {
		return nil, Dims{}, fmt.Errorf("%s block: identity shortcut needs depth %d, have %d",
			b.name, filters*b.Expansion(), in.Depth)
	}
	main, out, err := b.mainPath(c, in, filters, 1)
	if err != nil {
		return nil, Dims{}, err
	}
	block := anynet.Net{
		&anyconv.Residual{Layer: main},
		anynet.ReLU,
	}
	return block, out, nil
}

// mainPath builds the 1x1-3x3-1x1 stack. The stride applies to
// the first convolution; the middle convolution is grouped when
// the variant has a cardinality.
func (b *bottleneckVariant) mainPath(c anyvec.Creator, in Dims, filters,
	stride int) (anynet.Net, Dims, error) {
	width := filters
	if b.cardinality > 0 {
		width = filters * 2
	}

	var net anynet.Net
	conv1, d := newConv(c, in, width, 1, stride)
	net = append(net, conv1, anyconv.NewBatchNorm(c, d.Depth), anynet.ReLU)

	pad, padded := samePad(d, 3, 1)
	if pad != nil {
		net = append(net, pad)
	}
	if b.cardinality > 0 {
		gconv, err := NewGroupConv(c, padded, b.cardinality, width, 3, 1)
		if err != nil {
			return nil, Dims{}, err
		}
		net = append(net, gconv)
		d = gconv.OutputDims()
	} else {
		var conv2 *anyconv.Conv
		conv2, d = newConv(c, padded, width, 3, 1)
		net = append(net, conv2)
	}
	net = append(net, anyconv.NewBatchNorm(c, d.Depth), anynet.ReLU)

	conv3, out := newConv(c, d, filters*b.Expansion(), 1, 1)
	net = append(net, conv3, anyconv.NewBatchNorm(c, out.Depth))
	return net, out, nil
}

// basicVariant is the pre-activation two-convolution block.
type basicVariant struct{}

func (b *basicVariant) Name() string {
	return "basic"
}

func (b *basicVariant) Expansion() int {
	return 1
}

func (b *basicVariant) ProjectionBlock(c anyvec.Creator, in Dims, filters,
	stride int) (anynet.Layer, Dims, error) {
	main, out := b.mainPath(c, in, filters, stride)
	proj, scOut := newConv(c, in, filters, 1, stride)
	if scOut != out {
		return nil, Dims{}, fmt.Errorf("basic block: shortcut shape %v does not match main path %v",
			scOut, out)
	}
	block := anynet.Net{
		&anyconv.Residual{Layer: main, Projection: proj},
	}
	return block, out, nil
}

func (b *basicVariant) IdentityBlock(c anyvec.Creator, in Dims,
	filters int) (anynet.Layer, Dims, error) {
	if in.Depth != filters {
		return nil, Dims{}, fmt.Errorf("basic block: identity shortcut needs depth %d, have %d",
			filters, in.Depth)
	}
	main, out := b.mainPath(c, in, filters, 1)
	block := anynet.Net{
		&anyconv.Residual{Layer: main},
	}
	return block, out, nil
}

// mainPath builds BN-ReLU-conv3x3-BN-ReLU-conv3x3 so that the
// residual sum stays un-activated between blocks.
func (b *basicVariant) mainPath(c anyvec.Creator, in Dims, filters, stride int) (anynet.Net, Dims) {
	net := anynet.Net{
		anyconv.NewBatchNorm(c, in.Depth),
		anynet.ReLU,
	}
	pad, padded := samePad(in, 3, stride)
	if pad != nil {
		net = append(net, pad)
	}
	conv1, d := newConv(c, padded, filters, 3, stride)
	net = append(net, conv1, anyconv.NewBatchNorm(c, d.Depth), anynet.ReLU)

	pad, padded = samePad(d, 3, 1)
	if pad != nil {
		net = append(net, pad)
	}
	conv2, out := newConv(c, padded, filters, 3, 1)
	net = append(net, conv2)
	return net, out
}

// newConv creates a valid-window convolution with He-style
// random filters and zero biases, returning it along with its
// output dimensions.
func newConv(c anyvec.Creator, in Dims, filters, size, stride int) (*anyconv.Conv, Dims) {
	fanIn := size * size * in.Depth
	weights := c.MakeVector(filters * size * size * in.Depth)
	anyvec.Rand(weights, anyvec.Normal, nil)
	weights.Scale(c.MakeNumeric(math.Sqrt(2 / float64(fanIn))))
	conv := &anyconv.Conv{
		FilterCount:  filters,
		FilterWidth:  size,
		FilterHeight: size,
		StrideX:      stride,
		StrideY:      stride,
		InputWidth:   in.Width,
		InputHeight:  in.Height,
		InputDepth:   in.Depth,
		Filters:      anydiff.NewVar(weights),
		Biases:       anydiff.NewVar(c.MakeVector(filters)),
	}
	conv.Conver = anyconv.CurrentConverMaker()(*conv)
	out := Dims{
		Width:  1 + (in.Width-size)/stride,
		Height: 1 + (in.Height-size)/stride,
		Depth:  filters,
	}
	return conv, out
}

// samePad creates the padding layer which makes a following
// size x size convolution with the given stride produce
// ceil(n/stride) outputs along each axis. It returns a nil
// layer when no padding is needed. Odd padding goes to the
// bottom-right, matching the usual "same" convention.
func samePad(in Dims, size, stride int) (*anyconv.Padding, Dims) {
	padW := sameTotalPad(in.Width, size, stride)
	padH := sameTotalPad(in.Height, size, stride)
	if padW == 0 && padH == 0 {
		return nil, in
	}
	p := &anyconv.Padding{
		InputWidth:    in.Width,
		InputHeight:   in.Height,
		InputDepth:    in.Depth,
		PaddingTop:    padH / 2,
		PaddingBottom: padH - padH/2,
		PaddingLeft:   padW / 2,
		PaddingRight:  padW - padW/2,
	}
	out := Dims{Width: in.Width + padW, Height: in.Height + padH, Depth: in.Depth}
	return p, out
}

func sameTotalPad(n, size, stride int) int {
	out := (n + stride - 1) / stride
	pad := (out-1)*stride + size - n
	if pad < 0 {
		return 0
	}
	return pad
}

// poolSize is the output size of a span pooling layer, which
// clips its last window at the input edge.
func poolSize(n, span int) int {
	return (n + span - 1) / span
}
