package loss

import (
	"fmt"
	"strings"
)

// Schedule weights each position of a disparity pyramid and names the
// power-of-two scale that position is estimated at.
type Schedule struct {
	Name    string
	Weights []float64
	Scales  []int64
}

// Len returns the number of pyramid positions the schedule covers.
func (s Schedule) Len() int {
	return len(s.Weights)
}

// Active reports whether position i contributes to the loss.
func (s Schedule) Active(i int) bool {
	return s.Weights[i] != 0
}

// Validate checks the schedule against a pyramid of n estimates.
func (s Schedule) Validate(n int) error {
	if len(s.Weights) != len(s.Scales) {
		return fmt.Errorf("schedule %q: %d weights vs %d scales: %w", s.Name, len(s.Weights), len(s.Scales), ErrScheduleMismatch)
	}
	if len(s.Weights) != n {
		return fmt.Errorf("schedule %q has %d positions, pyramid has %d: %w", s.Name, len(s.Weights), n, ErrScheduleMismatch)
	}
	for _, sc := range s.Scales {
		if sc < 0 {
			return fmt.Errorf("schedule %q: negative scale %d: %w", s.Name, sc, ErrScheduleMismatch)
		}
	}

	return nil
}

// Variant enumerates the fixed schedules a disparity model is trained and
// evaluated with.
type Variant int

const (
	// Base is a single coarse-to-fine pyramid at scales 2, 1, 0.
	Base Variant = iota
	// Refine stacks a coarse stage and a refine stage, both at scales 2, 1, 0.
	Refine
	// RefineOnly is Refine with the frozen coarse stage weighted out.
	RefineOnly
	// Supervised is a single full-resolution estimate.
	Supervised
	// SupervisedPyramid is the five-output supervised pyramid.
	SupervisedPyramid
	// Eval weights the full-resolution output for error reporting.
	Eval
	// EvalRefine weights both full-resolution outputs of a refine model.
	EvalRefine
)

var variantNames = map[Variant]string{
	Base:              "base",
	Refine:            "refine",
	RefineOnly:        "refine-only",
	Supervised:        "supervised",
	SupervisedPyramid: "supervised-pyramid",
	Eval:              "eval",
	EvalRefine:        "eval-refine",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Schedule returns a fresh copy of the variant's weights and scales.
func (v Variant) Schedule() Schedule {
	s := Schedule{Name: v.String()}
	switch v {
	case Base:
		s.Weights = []float64{0.5, 0.7, 1.0}
		s.Scales = []int64{2, 1, 0}
	case Refine:
		s.Weights = []float64{0.5, 0.7, 1.0, 0.5, 0.7, 1.0}
		s.Scales = []int64{2, 1, 0, 2, 1, 0}
	case RefineOnly:
		s.Weights = []float64{0, 0, 0, 0.5, 0.7, 1.0}
		s.Scales = []int64{2, 1, 0, 2, 1, 0}
	case Supervised, Eval:
		s.Weights = []float64{1.0}
		s.Scales = []int64{0}
	case SupervisedPyramid:
		s.Weights = []float64{1.0, 0.8, 0.8, 0.6, 0.3}
		s.Scales = []int64{0, 1, 2, 3, 3}
	case EvalRefine:
		s.Weights = []float64{1.0, 1.0}
		s.Scales = []int64{0, 0}
	}

	return s
}

// VariantFor selects the training schedule from the model's refine flags.
func VariantFor(refine, onlyRefine bool) Variant {
	switch {
	case !refine:
		return Base
	case onlyRefine:
		return RefineOnly
	default:
		return Refine
	}
}

// ParseVariant looks a variant up by name.
func ParseVariant(name string) (Variant, error) {
	for v, n := range variantNames {
		if strings.EqualFold(n, name) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown schedule variant %q", name)
}
