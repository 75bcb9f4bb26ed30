package pow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tidwall/gjson"
)

// CommandSolver delegates to an external program. It receives
// {"challenge","prefix","difficulty"} on stdin and prints {"answer": n} or
// {"answer": null}.
type CommandSolver struct {
	Path string
	Args []string
}

func NewCommandSolver(argv []string) (*CommandSolver, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("pow command is empty")
	}
	return &CommandSolver{Path: argv[0], Args: append([]string(nil), argv[1:]...)}, nil
}

func (s *CommandSolver) Solve(ctx context.Context, challenge, prefix string, difficulty int64) (int64, bool, error) {
	in, err := json.Marshal(map[string]any{
		"challenge":  challenge,
		"prefix":     prefix,
		"difficulty": difficulty,
	})
	if err != nil {
		return 0, false, err
	}
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return 0, false, fmt.Errorf("pow command: %w: %s", err, msg)
		}
		return 0, false, fmt.Errorf("pow command: %w", err)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if !gjson.ValidBytes(out) {
		return 0, false, fmt.Errorf("pow command printed invalid json: %q", truncate(string(out), 200))
	}
	answer := gjson.GetBytes(out, "answer")
	switch answer.Type {
	case gjson.Null:
		return 0, false, nil
	case gjson.Number:
		return answer.Int(), true, nil
	default:
		return 0, false, fmt.Errorf("pow command answer has unexpected type %s", answer.Type)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
