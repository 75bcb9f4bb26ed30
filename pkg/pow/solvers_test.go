package pow

import (
	"context"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuanshang000/ds2api/pkg/config"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command solver tests use sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandSolverAnswer(t *testing.T) {
	requireShell(t)
	s, err := NewCommandSolver([]string{"sh", "-c", `cat >/dev/null; echo '{"answer": 4242}'`})
	require.NoError(t, err)
	n, found, err := s.Solve(context.Background(), "c", "p_", 10)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 4242, n)
}

func TestCommandSolverReceivesRequest(t *testing.T) {
	requireShell(t)
	script := `in=$(cat); case "$in" in *'"prefix":"salt_1_"'*) echo '{"answer":1}';; *) echo '{"answer":null}';; esac`
	s, err := NewCommandSolver([]string{"sh", "-c", script})
	require.NoError(t, err)
	_, found, err := s.Solve(context.Background(), "c", "salt_1_", 10)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCommandSolverNullAnswer(t *testing.T) {
	requireShell(t)
	s, err := NewCommandSolver([]string{"sh", "-c", `echo '{"answer": null}'`})
	require.NoError(t, err)
	_, found, err := s.Solve(context.Background(), "c", "p", 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCommandSolverFailures(t *testing.T) {
	requireShell(t)
	s, err := NewCommandSolver([]string{"sh", "-c", `echo nope >&2; exit 3`})
	require.NoError(t, err)
	_, _, err = s.Solve(context.Background(), "c", "p", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	s, err = NewCommandSolver([]string{"sh", "-c", `echo not-json`})
	require.NoError(t, err)
	_, _, err = s.Solve(context.Background(), "c", "p", 1)
	assert.Error(t, err)

	_, err = NewCommandSolver(nil)
	assert.Error(t, err)
}

func TestWasmSolverRejectsModuleWithoutExports(t *testing.T) {
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := NewWasmSolverFromBytes(context.Background(), empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing export")
}

func TestWasmSolverRejectsGarbage(t *testing.T) {
	_, err := NewWasmSolverFromBytes(context.Background(), []byte("not wasm"))
	assert.Error(t, err)
}

func TestNewSolverFromConfig(t *testing.T) {
	s, closeFn, err := NewSolver(context.Background(), config.PowConfig{Solver: config.SolverNone})
	require.NoError(t, err)
	require.NoError(t, closeFn(context.Background()))
	_, _, err = s.Solve(context.Background(), "c", "p", 1)
	assert.ErrorIs(t, err, ErrSolverUnavailable)

	s, _, err = NewSolver(context.Background(), config.PowConfig{Solver: config.SolverCommand, Command: []string{"solver-bin", "--fast"}})
	require.NoError(t, err)
	cs, ok := s.(*CommandSolver)
	require.True(t, ok)
	assert.Equal(t, []string{"--fast"}, cs.Args)

	_, _, err = NewSolver(context.Background(), config.PowConfig{Solver: config.SolverWasm, WasmPath: "/definitely/missing.wasm"})
	assert.Error(t, err)

	_, _, err = NewSolver(context.Background(), config.PowConfig{Solver: "magic"})
	assert.Error(t, err)
}
