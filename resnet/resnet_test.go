package resnet

import (
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestBuildOutputs(t *testing.T) {
	variants := []Variant{ResNet(), ResNeXt(8), DResNeXt(8), Basic()}
	c := anyvec64.DefaultCreator{}
	gen := rand.New(rand.NewSource(15))
	for _, variant := range variants {
		b := &Builder{
			Input:       Dims{Width: 32, Height: 32, Depth: 3},
			NumClasses:  5,
			Repetitions: []int{2, 2, 2, 2},
			Variant:     variant,
		}
		net, err := b.Build(c)
		if err != nil {
			t.Errorf("%s: %s", variant.Name(), err)
			continue
		}
		inData := make([]float64, b.Input.Volume())
		for i := range inData {
			inData[i] = gen.NormFloat64()
		}
		out := net.Apply(anydiff.NewConst(c.MakeVectorData(inData)), 1).Output()
		if out.Len() != b.NumClasses {
			t.Errorf("%s: expected %d outputs but got %d", variant.Name(),
				b.NumClasses, out.Len())
			continue
		}
		var expSum float64
		for _, x := range out.Data().([]float64) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Errorf("%s: bad output %f", variant.Name(), x)
			}
			expSum += math.Exp(x)
		}
		if math.Abs(expSum-1) > 1e-3 {
			t.Errorf("%s: output probabilities sum to %f", variant.Name(), expSum)
		}
	}
}

func TestOutputDims(t *testing.T) {
	b := &Builder{
		Input:       Dims{Width: 224, Height: 224, Depth: 3},
		NumClasses:  7,
		Repetitions: []int{3, 4, 6, 3},
		Variant:     ResNet(),
	}
	dims, err := b.OutputDims()
	if err != nil {
		t.Fatal(err)
	}
	expected := Dims{Width: 7, Height: 7, Depth: 2048}
	if dims != expected {
		t.Errorf("expected %s but got %s", expected, dims)
	}

	b.Variant = Basic()
	b.Repetitions = []int{2, 2, 2, 2}
	dims, err = b.OutputDims()
	if err != nil {
		t.Fatal(err)
	}
	expected = Dims{Width: 7, Height: 7, Depth: 512}
	if dims != expected {
		t.Errorf("expected %s but got %s", expected, dims)
	}
}

func TestBuildValidation(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	bad := []*Builder{
		{NumClasses: 5, Repetitions: []int{2}},
		{Input: Dims{Width: 32, Height: 32, Depth: 3}, NumClasses: 1,
			Repetitions: []int{2}},
		{Input: Dims{Width: 32, Height: 32, Depth: 3}, NumClasses: 5},
		{Input: Dims{Width: 32, Height: 32, Depth: 3}, NumClasses: 5,
			Repetitions: []int{2, 0}},
	}
	for i, b := range bad {
		if _, err := b.Build(c); err == nil {
			t.Errorf("builder %d: expected error", i)
		}
	}
}

func TestStagesForDepth(t *testing.T) {
	expected := map[int][]int{
		18:  {2, 2, 2, 2},
		34:  {3, 4, 6, 3},
		50:  {3, 4, 6, 3},
		101: {3, 4, 23, 3},
		152: {3, 8, 36, 3},
	}
	for depth, reps := range expected {
		actual, err := StagesForDepth(depth)
		if err != nil {
			t.Errorf("depth %d: %s", depth, err)
		} else if !reflect.DeepEqual(actual, reps) {
			t.Errorf("depth %d: expected %v but got %v", depth, reps, actual)
		}
	}
	if _, err := StagesForDepth(42); err == nil {
		t.Error("expected error for depth 42")
	}
}

func TestParseBackbone(t *testing.T) {
	cases := map[string]struct {
		Family string
		Reps   []int
	}{
		"resnet50":   {"resnet", []int{3, 4, 6, 3}},
		"resnet18":   {"basic", []int{2, 2, 2, 2}},
		"resnet34":   {"basic", []int{3, 4, 6, 3}},
		"resnext50":  {"resnext", []int{3, 4, 6, 3}},
		"xresnet101": {"resnext", []int{3, 4, 23, 3}},
		"dresnet152": {"dresnext", []int{3, 8, 36, 3}},
		"dresnext50": {"dresnext", []int{3, 4, 6, 3}},
	}
	for name, info := range cases {
		variant, reps, err := ParseBackbone(name)
		if err != nil {
			t.Errorf("%s: %s", name, err)
			continue
		}
		if variant.Name() != info.Family {
			t.Errorf("%s: expected family %s but got %s", name, info.Family,
				variant.Name())
		}
		if !reflect.DeepEqual(reps, info.Reps) {
			t.Errorf("%s: expected stages %v but got %v", name, info.Reps, reps)
		}
	}
	for _, name := range []string{"resnet", "50", "foo99", "resnet20", ""} {
		if _, _, err := ParseBackbone(name); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestVariantAliases(t *testing.T) {
	aliases := map[string]string{
		"xresnet":  "resnext",
		"dresnet":  "dresnext",
		"resnet":   "resnet",
		"basic":    "basic",
		"resnext":  "resnext",
		"dresnext": "dresnext",
	}
	for alias, canon := range aliases {
		v, err := VariantByName(alias)
		if err != nil {
			t.Errorf("%s: %s", alias, err)
		} else if v.Name() != canon {
			t.Errorf("%s: expected %s but got %s", alias, canon, v.Name())
		}
	}
	if _, err := VariantByName("vgg"); err == nil {
		t.Error("expected error for unknown variant")
	}
}

func TestNetSerialize(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	b := &Builder{
		Input:       Dims{Width: 16, Height: 16, Depth: 3},
		NumClasses:  3,
		Repetitions: []int{1, 1},
		Variant:     ResNeXt(4),
	}
	net, err := b.Build(c)
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(net)
	if err != nil {
		t.Fatal(err)
	}

	var net1 anynet.Net
	if err := serializer.DeserializeAny(data, &net1); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(net, net1) {
		t.Error("got unexpected value")
	}
}

func TestSummary(t *testing.T) {
	b := &Builder{
		Input:       Dims{Width: 224, Height: 224, Depth: 3},
		NumClasses:  7,
		Repetitions: []int{3, 4, 6, 3},
		Variant:     ResNet(),
	}
	summary, err := b.Summary()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"224x224x3", "112x112x64", "56x56x64",
		"7x7x2048", "stage 4"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestMarkup(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	code := `
Input(w=8, h=8, d=4)
GroupConv(w=3, h=3, n=8, groups=2)
ReLU
`
	layer, err := FromMarkup(c, code)
	if err != nil {
		t.Fatal(err)
	}
	net, ok := layer.(anynet.Net)
	if !ok {
		t.Fatalf("not an anynet.Net: %T", layer)
	}
	var gc *GroupConv
	for _, sub := range net {
		if g, ok := sub.(*GroupConv); ok {
			gc = g
		}
	}
	if gc == nil {
		t.Fatal("no GroupConv in realized net")
	}
	if gc.Groups != 2 || gc.FilterCount != 8 {
		t.Errorf("bad layer configuration: %d groups, %d filters", gc.Groups,
			gc.FilterCount)
	}

	in := anydiff.NewConst(c.MakeVector(8 * 8 * 4))
	out := net.Apply(in, 1)
	if out.Output().Len() != 6*6*8 {
		t.Errorf("expected %d outputs but got %d", 6*6*8, out.Output().Len())
	}
}
