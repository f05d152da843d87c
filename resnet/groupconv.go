package resnet

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var g GroupConv
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGroupConv)
}

// GroupConv is a grouped convolution layer: the input channels
// are divided into Groups equal slices, each convolved with its
// own bank of filters, and the group outputs are interleaved
// back into a single depth dimension.
//
// With Groups == 1 it computes a plain convolution.
// Windows are valid-only; use a padding layer for "same" output
// geometry, as with a regular convolution.
type GroupConv struct {
	Groups int

	FilterCount  int
	FilterWidth  int
	FilterHeight int

	StrideX int
	StrideY int

	InputWidth  int
	InputHeight int
	InputDepth  int

	// Filters is ordered by filter, then filter row, then
	// filter column, then the group's input channels.
	// Filter f belongs to group f/(FilterCount/Groups).
	Filters *anydiff.Var
	Biases  *anydiff.Var

	extract []anyvec.Mapper
	batches map[int]*groupConvMappers
}

// NewGroupConv creates a GroupConv with square filters and
// stride, He-style random filter weights, and zero biases.
//
// It fails if groups does not evenly divide both the input depth
// and the filter count, or if the filters do not fit inside the
// input.
func NewGroupConv(c anyvec.Creator, in Dims, groups, filterCount, size, stride int) (*GroupConv, error) {
	return newGroupConv(c, in, groups, filterCount, size, size, stride, stride)
}

func newGroupConv(c anyvec.Creator, in Dims, groups, filterCount, fw, fh, sx,
	sy int) (*GroupConv, error) {
	if groups < 1 {
		return nil, fmt.Errorf("new group conv: groups must be positive (got %d)", groups)
	}
	if in.Depth%groups != 0 {
		return nil, fmt.Errorf("new group conv: %d groups do not divide input depth %d",
			groups, in.Depth)
	}
	if filterCount%groups != 0 {
		return nil, fmt.Errorf("new group conv: %d groups do not divide filter count %d",
			groups, filterCount)
	}
	if fw > in.Width || fh > in.Height {
		return nil, fmt.Errorf("new group conv: %dx%d filter exceeds %dx%d input",
			fw, fh, in.Width, in.Height)
	}
	if sx < 1 || sy < 1 {
		return nil, fmt.Errorf("new group conv: stride must be positive (got %dx%d)", sx, sy)
	}
	groupDepth := in.Depth / groups
	fanIn := fw * fh * groupDepth
	filters := c.MakeVector(filterCount * fw * fh * groupDepth)
	anyvec.Rand(filters, anyvec.Normal, nil)
	filters.Scale(c.MakeNumeric(math.Sqrt(2 / float64(fanIn))))
	return &GroupConv{
		Groups:       groups,
		FilterCount:  filterCount,
		FilterWidth:  fw,
		FilterHeight: fh,
		StrideX:      sx,
		StrideY:      sy,
		InputWidth:   in.Width,
		InputHeight:  in.Height,
		InputDepth:   in.Depth,
		Filters:      anydiff.NewVar(filters),
		Biases:       anydiff.NewVar(c.MakeVector(filterCount)),
	}, nil
}

// DeserializeGroupConv deserializes a GroupConv.
func DeserializeGroupConv(d []byte) (*GroupConv, error) {
	var groups, count, fw, fh, sx, sy, inW, inH, inD serializer.Int
	var filters, biases *anyvecsave.S
	err := serializer.DeserializeAny(d, &groups, &count, &fw, &fh, &sx, &sy,
		&inW, &inH, &inD, &filters, &biases)
	if err != nil {
		return nil, fmt.Errorf("deserialize group conv: %s", err)
	}
	return &GroupConv{
		Groups:       int(groups),
		FilterCount:  int(count),
		FilterWidth:  int(fw),
		FilterHeight: int(fh),
		StrideX:      int(sx),
		StrideY:      int(sy),
		InputWidth:   int(inW),
		InputHeight:  int(inH),
		InputDepth:   int(inD),
		Filters:      anydiff.NewVar(filters.Vector),
		Biases:       anydiff.NewVar(biases.Vector),
	}, nil
}

// OutputDims returns the result dimensions.
func (g *GroupConv) OutputDims() Dims {
	return Dims{
		Width:  1 + (g.InputWidth-g.FilterWidth)/g.StrideX,
		Height: 1 + (g.InputHeight-g.FilterHeight)/g.StrideY,
		Depth:  g.FilterCount,
	}
}

// Apply applies the layer to a batch of input tensors.
func (g *GroupConv) Apply(in anydiff.Res, n int) anydiff.Res {
	c := in.Output().Creator()
	if in.Output().Len() != n*g.InputWidth*g.InputHeight*g.InputDepth {
		panic(fmt.Sprintf("group conv: input length %d does not match %d batches of %dx%dx%d",
			in.Output().Len(), n, g.InputWidth, g.InputHeight, g.InputDepth))
	}
	m := g.mappers(c, n)
	out := g.OutputDims()
	positions := n * out.Width * out.Height
	winSize := g.FilterWidth * g.FilterHeight * g.groupDepth()
	perGroup := g.FilterCount / g.Groups

	outVec := c.MakeVector(positions * g.FilterCount)
	gathered := make([]anyvec.Vector, g.Groups)
	for gi := 0; gi < g.Groups; gi++ {
		cols := c.MakeVector(positions * winSize)
		m.gather[gi].Map(in.Output(), cols)
		gathered[gi] = cols

		fvec := c.MakeVector(perGroup * winSize)
		g.extract[gi].Map(g.Filters.Vector, fvec)

		prod := &anyvec.Matrix{
			Data: c.MakeVector(positions * perGroup),
			Rows: positions,
			Cols: perGroup,
		}
		colMat := &anyvec.Matrix{Data: cols, Rows: positions, Cols: winSize}
		fMat := &anyvec.Matrix{Data: fvec, Rows: perGroup, Cols: winSize}
		prod.Product(false, true, c.MakeNumeric(1), colMat, fMat, c.MakeNumeric(0))

		m.scatter[gi].MapTranspose(prod.Data, outVec)
	}
	anyvec.AddRepeated(outVec, g.Biases.Vector)

	return &groupConvRes{
		Layer:    g,
		N:        n,
		In:       in,
		OutVec:   outVec,
		Gathered: gathered,
		V:        anydiff.MergeVarSets(anydiff.NewVarSet(g.Filters, g.Biases), in.Vars()),
	}
}

// Parameters returns the layer's filters and biases.
func (g *GroupConv) Parameters() []*anydiff.Var {
	return []*anydiff.Var{g.Filters, g.Biases}
}

// SerializerType returns the unique ID used to serialize a
// GroupConv with the serializer package.
func (g *GroupConv) SerializerType() string {
	return "github.com/zhuyiche/IronClassification/resnet.GroupConv"
}

// Serialize serializes the layer.
func (g *GroupConv) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(g.Groups),
		serializer.Int(g.FilterCount),
		serializer.Int(g.FilterWidth),
		serializer.Int(g.FilterHeight),
		serializer.Int(g.StrideX),
		serializer.Int(g.StrideY),
		serializer.Int(g.InputWidth),
		serializer.Int(g.InputHeight),
		serializer.Int(g.InputDepth),
		&anyvecsave.S{Vector: g.Filters.Vector},
		&anyvecsave.S{Vector: g.Biases.Vector},
	)
}

func (g *GroupConv) groupDepth() int {
	return g.InputDepth / g.Groups
}

// mappers builds (or fetches cached) index mappers for a batch
// size: one gather per group turning the input into im2row
// columns for that group's channels, and one scatter per group
// interleaving the group's output channels into the final depth
// order.
func (g *GroupConv) mappers(c anyvec.Creator, n int) *groupConvMappers {
	if g.extract == nil {
		g.initExtract(c)
	}
	if g.batches == nil {
		g.batches = map[int]*groupConvMappers{}
	}
	if m, ok := g.batches[n]; ok {
		return m
	}

	out := g.OutputDims()
	gd := g.groupDepth()
	perGroup := g.FilterCount / g.Groups
	winSize := g.FilterWidth * g.FilterHeight * gd
	positions := n * out.Width * out.Height
	inVol := g.InputWidth * g.InputHeight * g.InputDepth

	m := &groupConvMappers{
		gather:  make([]anyvec.Mapper, g.Groups),
		scatter: make([]anyvec.Mapper, g.Groups),
	}
	for gi := 0; gi < g.Groups; gi++ {
		gatherTable := make([]int, positions*winSize)
		idx := 0
		for b := 0; b < n; b++ {
			for oy := 0; oy < out.Height; oy++ {
				for ox := 0; ox < out.Width; ox++ {
					for ky := 0; ky < g.FilterHeight; ky++ {
						iy := oy*g.StrideY + ky
						for kx := 0; kx < g.FilterWidth; kx++ {
							ix := ox*g.StrideX + kx
							base := b*inVol + (iy*g.InputWidth+ix)*g.InputDepth + gi*gd
							for dc := 0; dc < gd; dc++ {
								gatherTable[idx] = base + dc
								idx++
							}
						}
					}
				}
			}
		}
		m.gather[gi] = c.MakeMapper(n*inVol, gatherTable)

		scatterTable := make([]int, positions*perGroup)
		idx = 0
		for pos := 0; pos < positions; pos++ {
			for j := 0; j < perGroup; j++ {
				scatterTable[idx] = pos*g.FilterCount + gi*perGroup + j
				idx++
			}
		}
		m.scatter[gi] = c.MakeMapper(positions*g.FilterCount, scatterTable)
	}
	g.batches[n] = m
	return m
}

// initExtract builds the batch-independent mappers which copy
// each group's slice out of the packed filter variable.
func (g *GroupConv) initExtract(c anyvec.Creator) {
	perGroup := g.FilterCount / g.Groups
	winSize := g.FilterWidth * g.FilterHeight * g.groupDepth()
	total := g.FilterCount * winSize
	g.extract = make([]anyvec.Mapper, g.Groups)
	for gi := 0; gi < g.Groups; gi++ {
		table := make([]int, perGroup*winSize)
		start := gi * perGroup * winSize
		for i := range table {
			table[i] = start + i
		}
		g.extract[gi] = c.MakeMapper(total, table)
	}
}

type groupConvMappers struct {
	gather  []anyvec.Mapper
	scatter []anyvec.Mapper
}

type groupConvRes struct {
	Layer    *GroupConv
	N        int
	In       anydiff.Res
	OutVec   anyvec.Vector
	Gathered []anyvec.Vector
	V        anydiff.VarSet
}

func (g *groupConvRes) Output() anyvec.Vector {
	return g.OutVec
}

func (g *groupConvRes) Vars() anydiff.VarSet {
	return g.V
}

func (g *groupConvRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	c := u.Creator()
	l := g.Layer
	m := l.mappers(c, g.N)
	out := l.OutputDims()
	positions := g.N * out.Width * out.Height
	winSize := l.FilterWidth * l.FilterHeight * l.groupDepth()
	perGroup := l.FilterCount / l.Groups

	if bg, ok := grad[l.Biases]; ok {
		bg.Add(anyvec.SumRows(u, l.FilterCount))
	}

	fg, needFilters := grad[l.Filters]
	needInput := false
	for v := range g.In.Vars() {
		if _, ok := grad[v]; ok {
			needInput = true
			break
		}
	}
	if !needFilters && !needInput {
		return
	}

	var inGrad anyvec.Vector
	if needInput {
		inGrad = c.MakeVector(g.In.Output().Len())
	}
	for gi := 0; gi < l.Groups; gi++ {
		ug := c.MakeVector(positions * perGroup)
		m.scatter[gi].Map(u, ug)
		ugMat := &anyvec.Matrix{Data: ug, Rows: positions, Cols: perGroup}

		if needFilters {
			dF := &anyvec.Matrix{
				Data: c.MakeVector(perGroup * winSize),
				Rows: perGroup,
				Cols: winSize,
			}
			colMat := &anyvec.Matrix{Data: g.Gathered[gi], Rows: positions, Cols: winSize}
			dF.Product(true, false, c.MakeNumeric(1), ugMat, colMat, c.MakeNumeric(0))
			l.extract[gi].MapTranspose(dF.Data, fg)
		}
		if needInput {
			fvec := c.MakeVector(perGroup * winSize)
			l.extract[gi].Map(l.Filters.Vector, fvec)
			fMat := &anyvec.Matrix{Data: fvec, Rows: perGroup, Cols: winSize}
			dCols := &anyvec.Matrix{
				Data: c.MakeVector(positions * winSize),
				Rows: positions,
				Cols: winSize,
			}
			dCols.Product(false, false, c.MakeNumeric(1), ugMat, fMat, c.MakeNumeric(0))
			m.gather[gi].MapTranspose(dCols.Data, inGrad)
		}
	}
	if needInput {
		g.In.Propagate(inGrad, grad)
	}
}
