// Package pow answers the proof-of-work challenge the provider requires
// before every completion.
package pow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/yuanshang000/ds2api/pkg/logutil"
)

const (
	AlgorithmDeepSeekHashV1 = "DeepSeekHashV1"

	DefaultDifficulty = 144000
	DefaultExpireAt   = 1680000000
	DefaultAttempts   = 3
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported pow algorithm")
	ErrNoSolution           = errors.New("pow solver found no answer")
	ErrExhausted            = errors.New("pow attempts exhausted")
	ErrSolverUnavailable    = errors.New("no pow solver configured")
)

type Challenge struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Difficulty int64  `json:"difficulty"`
	ExpireAt   int64  `json:"expire_at"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

// ParseChallenge reads a challenge object, filling the provider's defaults for
// a missing difficulty or expiry.
func ParseChallenge(res gjson.Result) Challenge {
	c := Challenge{
		Algorithm:  res.Get("algorithm").String(),
		Challenge:  res.Get("challenge").String(),
		Salt:       res.Get("salt").String(),
		Difficulty: DefaultDifficulty,
		ExpireAt:   DefaultExpireAt,
		Signature:  res.Get("signature").String(),
		TargetPath: res.Get("target_path").String(),
	}
	if d := res.Get("difficulty"); d.Exists() && d.Type == gjson.Number {
		c.Difficulty = d.Int()
	}
	if e := res.Get("expire_at"); e.Exists() && e.Type == gjson.Number {
		c.ExpireAt = e.Int()
	}
	return c
}

// Prefix is the string the solver hashes in front of each candidate nonce.
func (c Challenge) Prefix() string {
	return c.Salt + "_" + strconv.FormatInt(c.ExpireAt, 10) + "_"
}

// Solver searches for a nonce satisfying the challenge. found is false when
// the search space was exhausted without an answer.
type Solver interface {
	Solve(ctx context.Context, challenge, prefix string, difficulty int64) (nonce int64, found bool, err error)
}

type SolverFunc func(ctx context.Context, challenge, prefix string, difficulty int64) (int64, bool, error)

func (f SolverFunc) Solve(ctx context.Context, challenge, prefix string, difficulty int64) (int64, bool, error) {
	return f(ctx, challenge, prefix, difficulty)
}

// Unavailable is the solver used when none is configured.
var Unavailable Solver = SolverFunc(func(context.Context, string, string, int64) (int64, bool, error) {
	return 0, false, ErrSolverUnavailable
})

func Solve(ctx context.Context, solver Solver, c Challenge) (int64, error) {
	if c.Algorithm != AlgorithmDeepSeekHashV1 {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, c.Algorithm)
	}
	if solver == nil {
		return 0, ErrSolverUnavailable
	}
	nonce, found, err := solver.Solve(ctx, c.Challenge, c.Prefix(), c.Difficulty)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoSolution
	}
	return nonce, nil
}

// Encode renders the x-ds-pow-response header value.
func Encode(answer int64, c Challenge) (string, error) {
	doc := "{}"
	fields := []struct {
		key string
		val any
	}{
		{"algorithm", c.Algorithm},
		{"challenge", c.Challenge},
		{"salt", c.Salt},
		{"answer", answer},
		{"signature", c.Signature},
		{"target_path", c.TargetPath},
	}
	var err error
	for _, f := range fields {
		if doc, err = sjson.Set(doc, f.key, f.val); err != nil {
			return "", fmt.Errorf("encode pow %s: %w", f.key, err)
		}
	}
	return base64.StdEncoding.EncodeToString([]byte(doc)), nil
}

type ChallengeSource interface {
	RequestChallenge(ctx context.Context, token string) (Challenge, error)
}

// Provider fetches, solves and encodes challenges, retrying a bounded number
// of times.
type Provider struct {
	Source      ChallengeSource
	Solver      Solver
	MaxAttempts int
	Logger      *log.Logger
	// OnResult receives "ok" or the failure class of every attempt.
	OnResult func(result string)
}

func (p *Provider) GetResponse(ctx context.Context, token string) (string, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	logger := p.Logger
	if logger == nil {
		logger = logutil.Component("pow")
	}
	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := p.attempt(ctx, token)
		if err == nil {
			p.report("ok")
			return out, nil
		}
		p.report(classify(err))
		logger.Warn("pow attempt failed", "attempt", i, "of", attempts, "err", err)
		last = err
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

func (p *Provider) attempt(ctx context.Context, token string) (string, error) {
	if p.Source == nil {
		return "", errors.New("pow challenge source is not configured")
	}
	c, err := p.Source.RequestChallenge(ctx, token)
	if err != nil {
		return "", fmt.Errorf("request challenge: %w", err)
	}
	answer, err := Solve(ctx, p.Solver, c)
	if err != nil {
		return "", err
	}
	return Encode(answer, c)
}

func (p *Provider) report(result string) {
	if p.OnResult != nil {
		p.OnResult(result)
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrNoSolution):
		return "no_solution"
	case errors.Is(err, ErrSolverUnavailable):
		return "solver_unavailable"
	default:
		return "error"
	}
}
