// Package deepseek talks to the DeepSeek mobile chat API.
package deepseek

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/yuanshang000/ds2api/pkg/config"
	"github.com/yuanshang000/ds2api/pkg/logutil"
	"golang.org/x/time/rate"
)

const (
	pathLogin        = "/api/v0/users/login"
	pathPowChallenge = "/api/v0/chat/create_pow_challenge"
	pathSession      = "/api/v0/chat_session/create"
	pathCompletion   = "/api/v0/chat/completion"

	HeaderPowResponse = "x-ds-pow-response"

	opLogin      = "login"
	opChallenge  = "pow_challenge"
	opSession    = "session_create"
	opCompletion = "completion"

	maxErrorBody = 64 << 10
)

// fixed mobile client headers sent on every call
var baseHeaders = [][2]string{
	{"User-Agent", "DeepSeek/1.6.11 Android/35"},
	{"Accept", "application/json"},
	{"Accept-Encoding", "gzip"},
	{"Content-Type", "application/json"},
	{"x-client-platform", "android"},
	{"x-client-version", "1.6.11"},
	{"x-client-locale", "zh_CN"},
	{"accept-charset", "UTF-8"},
}

type Options struct {
	BaseURL            string
	Timeout            time.Duration
	PowTimeout         time.Duration
	ChallengeAttempts  int
	CompletionAttempts int
	RetryDelay         time.Duration
	RequestsPerSecond  float64
	Burst              int
	Transport          http.RoundTripper
	Logger             *log.Logger
	// Observe is called once per upstream HTTP exchange.
	Observe func(operation string, status int, elapsed time.Duration)
}

func OptionsFromConfig(u config.UpstreamConfig) Options {
	return Options{
		BaseURL:            u.BaseURL,
		Timeout:            time.Duration(u.TimeoutSeconds) * time.Second,
		PowTimeout:         time.Duration(u.PowTimeoutSeconds) * time.Second,
		ChallengeAttempts:  u.PowMaxAttempts,
		CompletionAttempts: u.CompletionMaxAttempts,
		RetryDelay:         time.Duration(u.RetryDelayMS) * time.Millisecond,
		RequestsPerSecond:  u.RequestsPerSecond,
		Burst:              u.Burst,
	}
}

type Client struct {
	baseURL            string
	http               *http.Client
	limiter            *rate.Limiter
	timeout            time.Duration
	powTimeout         time.Duration
	challengeAttempts  int
	completionAttempts int
	retryDelay         time.Duration
	logger             *log.Logger
	observe            func(string, int, time.Duration)
}

func New(opts Options) *Client {
	c := &Client{
		baseURL:            strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		timeout:            opts.Timeout,
		powTimeout:         opts.PowTimeout,
		challengeAttempts:  opts.ChallengeAttempts,
		completionAttempts: opts.CompletionAttempts,
		retryDelay:         opts.RetryDelay,
		logger:             opts.Logger,
		observe:            opts.Observe,
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultUpstreamBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.powTimeout <= 0 {
		c.powTimeout = 30 * time.Second
	}
	if c.challengeAttempts <= 0 {
		c.challengeAttempts = 3
	}
	if c.completionAttempts <= 0 {
		c.completionAttempts = 3
	}
	if c.retryDelay < 0 {
		c.retryDelay = 0
	}
	if c.logger == nil {
		c.logger = logutil.Component("deepseek")
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	base := opts.Transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = c.timeout
		t.DisableCompression = true
		base = t
	}
	// No client-wide timeout: completion bodies stream for as long as the model talks.
	c.http = &http.Client{Transport: headerRoundTripper{Base: base}}
	return c
}

type headerRoundTripper struct {
	Base http.RoundTripper
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	for _, kv := range baseHeaders {
		if out.Header.Get(kv[0]) == "" {
			out.Header.Set(kv[0], kv[1])
		}
	}
	return base.RoundTrip(out)
}

func (c *Client) post(ctx context.Context, op, path, token string, body any, extra http.Header) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("authorization", "Bearer "+token)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	started := time.Now()
	resp, err := c.http.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if c.observe != nil {
		c.observe(op, status, time.Since(started))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// unary performs a short JSON call bounded by timeout and returns the parsed body.
func (c *Client) unary(ctx context.Context, op, path, token string, body any, timeout time.Duration) (int, gjson.Result, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.post(ctx, op, path, token, body, nil)
	if err != nil {
		return 0, gjson.Result{}, nil, err
	}
	rc, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return resp.StatusCode, gjson.Result{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, 4<<20))
	if err != nil {
		return resp.StatusCode, gjson.Result{}, nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	return resp.StatusCode, gjson.ParseBytes(raw), raw, nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody unwraps Content-Encoding. The returned reader owns resp.Body.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
