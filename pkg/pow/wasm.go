package pow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	exportStackPointer = "__wbindgen_add_to_stack_pointer"
	exportAlloc        = "__wbindgen_export_0"
	exportSolve        = "wasm_solve"
)

// WasmSolver runs the provider's wasm-bindgen solver module. The module is
// compiled once and instantiated per call so concurrent solves never share
// linear memory.
type WasmSolver struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	closeMu  sync.Mutex
}

func NewWasmSolver(ctx context.Context, path string) (*WasmSolver, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm solver: %w", err)
	}
	return NewWasmSolverFromBytes(ctx, b)
}

func NewWasmSolverFromBytes(ctx context.Context, module []byte) (*WasmSolver, error) {
	rt := wazero.NewRuntime(ctx)
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm solver: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{exportStackPointer, exportAlloc, exportSolve} {
		if _, ok := exports[name]; !ok {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("wasm solver is missing export %q", name)
		}
	}
	return &WasmSolver{runtime: rt, compiled: compiled}, nil
}

func (s *WasmSolver) Close(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.runtime == nil {
		return nil
	}
	err := s.runtime.Close(ctx)
	s.runtime = nil
	return err
}

func (s *WasmSolver) Solve(ctx context.Context, challenge, prefix string, difficulty int64) (int64, bool, error) {
	s.closeMu.Lock()
	rt := s.runtime
	s.closeMu.Unlock()
	if rt == nil {
		return 0, false, errors.New("wasm solver is closed")
	}
	mod, err := rt.InstantiateModule(ctx, s.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return 0, false, fmt.Errorf("instantiate wasm solver: %w", err)
	}
	defer mod.Close(ctx)

	stack := mod.ExportedFunction(exportStackPointer)
	mem := mod.Memory()
	if mem == nil {
		return 0, false, errors.New("wasm solver exports no memory")
	}

	res, err := stack.Call(ctx, api.EncodeI32(-16))
	if err != nil {
		return 0, false, fmt.Errorf("reserve stack: %w", err)
	}
	retptr := api.DecodeU32(res[0])

	ptrC, lenC, err := writeString(ctx, mod, challenge)
	if err != nil {
		return 0, false, err
	}
	ptrP, lenP, err := writeString(ctx, mod, prefix)
	if err != nil {
		return 0, false, err
	}

	_, err = mod.ExportedFunction(exportSolve).Call(ctx,
		api.EncodeU32(retptr),
		api.EncodeU32(ptrC), api.EncodeU32(lenC),
		api.EncodeU32(ptrP), api.EncodeU32(lenP),
		api.EncodeF64(float64(difficulty)),
	)
	if err != nil {
		return 0, false, fmt.Errorf("wasm_solve: %w", err)
	}

	status, ok := mem.ReadUint32Le(retptr)
	if !ok {
		return 0, false, errors.New("read solver status out of range")
	}
	value, ok := mem.ReadFloat64Le(retptr + 8)
	if !ok {
		return 0, false, errors.New("read solver answer out of range")
	}
	if _, err := stack.Call(ctx, api.EncodeI32(16)); err != nil {
		return 0, false, fmt.Errorf("restore stack: %w", err)
	}
	if int32(status) == 0 || math.IsNaN(value) {
		return 0, false, nil
	}
	return int64(value), true, nil
}

func writeString(ctx context.Context, mod api.Module, s string) (uint32, uint32, error) {
	data := []byte(s)
	res, err := mod.ExportedFunction(exportAlloc).Call(ctx, api.EncodeU32(uint32(len(data))), api.EncodeU32(1))
	if err != nil {
		return 0, 0, fmt.Errorf("alloc %d bytes: %w", len(data), err)
	}
	ptr := api.DecodeU32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, errors.New("write solver input out of range")
	}
	return ptr, uint32(len(data)), nil
}
