package pow

import (
	"context"
	"fmt"

	"github.com/yuanshang000/ds2api/pkg/config"
)

// NewSolver builds the solver selected in the [pow] config section. The
// returned close function releases solver resources and is never nil.
func NewSolver(ctx context.Context, cfg config.PowConfig) (Solver, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Solver {
	case "", config.SolverNone:
		return Unavailable, noop, nil
	case config.SolverWasm:
		s, err := NewWasmSolver(ctx, cfg.WasmPath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.SolverCommand:
		s, err := NewCommandSolver(cfg.Command)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown pow solver %q", cfg.Solver)
	}
}
