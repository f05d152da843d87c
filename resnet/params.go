package resnet

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
)

// RegularizedParams returns the filter and weight matrices of
// every convolutional and fully-connected layer in a network,
// descending into residual branches. These are the parameters
// weight decay applies to; biases and normalization parameters
// are left out.
func RegularizedParams(layer anynet.Layer) []*anydiff.Var {
	var res []*anydiff.Var
	switch l := layer.(type) {
	case anynet.Net:
		for _, sub := range l {
			res = append(res, RegularizedParams(sub)...)
		}
	case *anyconv.Residual:
		res = append(res, RegularizedParams(l.Layer)...)
		if l.Projection != nil {
			res = append(res, RegularizedParams(l.Projection)...)
		}
	case *anyconv.Conv:
		res = append(res, l.Filters)
	case *GroupConv:
		res = append(res, l.Filters)
	case *anynet.FC:
		res = append(res, l.Weights)
	}
	return res
}
