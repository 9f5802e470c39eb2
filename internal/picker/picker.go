// Package picker holds the model-agnostic feature pickers that may sit
// between the interpret-pick stage and the surrogate. Variants are chosen by
// name from static configuration.
package picker

import (
	"errors"
	"fmt"
)

var (
	ErrNotFitted     = errors.New("picker is not fitted")
	ErrUnknownPicker = errors.New("unknown picker")
)

const (
	KindPassthrough = "passthrough"
	KindSelectKBest = "select_k_best"
)

type Picker interface {
	fmt.Stringer
	SetParams(params map[string]any) error
	Fit(x [][]float64, y []int) error
	Transform(x [][]float64) ([][]float64, error)
	// Support returns the kept column indices. The flag is false for
	// pickers that never drop columns.
	Support() ([]int, bool)
	Clone() Picker
}

// New builds a picker variant by name.
func New(kind string, params map[string]any) (Picker, error) {
	var p Picker
	switch kind {
	case "", KindPassthrough:
		p = Passthrough{}
	case KindSelectKBest:
		p = &SelectKBest{K: DefaultK}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPicker, kind)
	}
	if err := p.SetParams(params); err != nil {
		return nil, err
	}
	return p, nil
}

// Passthrough forwards its input unchanged.
type Passthrough struct{}

func (Passthrough) String() string { return KindPassthrough }

func (Passthrough) SetParams(params map[string]any) error {
	for k := range params {
		return fmt.Errorf("pick_agnostic.%s: passthrough takes no parameters", k)
	}
	return nil
}

func (Passthrough) Fit([][]float64, []int) error                 { return nil }
func (Passthrough) Transform(x [][]float64) ([][]float64, error) { return x, nil }
func (Passthrough) Support() ([]int, bool)                       { return nil, false }
func (Passthrough) Clone() Picker                                { return Passthrough{} }
