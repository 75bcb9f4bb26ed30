package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/yuanshang000/ds2api/pkg/config"
	"github.com/yuanshang000/ds2api/pkg/logutil"
	"github.com/yuanshang000/ds2api/pkg/pow"
)

const testChallenge = `{"algorithm":"DeepSeekHashV1","challenge":"abc","salt":"salty","difficulty":144000,"expire_at":1700000000,"signature":"sig","target_path":"/api/v0/chat/completion"}`

// fakeDeepSeek is a scripted stand-in for the DeepSeek mobile API.
type fakeDeepSeek struct {
	logins       atomic.Int32
	sessions     atomic.Int32
	sessionFails atomic.Int32 // auth failures to return before succeeding
	sessionDown  atomic.Bool

	mu               sync.Mutex
	lines            []string
	completionStatus int
	completionBody   string
	truncate         bool
	hold             chan struct{}
	lastCompletion   gjson.Result
	lastAuth         string
	lastPow          string
	rejectChallenge  map[string]bool // bearer tokens refused a pow challenge
	rejectLogin      map[string]bool // emails whose password is refused
}

func (f *fakeDeepSeek) script(lines ...string) {
	f.mu.Lock()
	f.lines = lines
	f.mu.Unlock()
}

func (f *fakeDeepSeek) completion() (gjson.Result, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCompletion, f.lastAuth, f.lastPow
}

func (f *fakeDeepSeek) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/users/login", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		reject := f.rejectLogin[gjson.GetBytes(b, "email").String()]
		f.mu.Unlock()
		if reject {
			_, _ = io.WriteString(w, `{"code":0,"data":{"biz_code":2,"biz_msg":"wrong password"}}`)
			return
		}
		n := f.logins.Add(1)
		_, _ = fmt.Fprintf(w, `{"code":0,"data":{"biz_code":0,"biz_data":{"user":{"token":"tok-%d"}}}}`, n)
	})
	mux.HandleFunc("/api/v0/chat_session/create", func(w http.ResponseWriter, r *http.Request) {
		n := f.sessions.Add(1)
		if f.sessionDown.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		if f.sessionFails.Load() > 0 {
			f.sessionFails.Add(-1)
			_, _ = io.WriteString(w, `{"code":40003,"msg":"INVALID_TOKEN"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"code":0,"data":{"biz_data":{"id":"sess-%d"}}}`, n)
	})
	mux.HandleFunc("/api/v0/chat/create_pow_challenge", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reject := f.rejectChallenge[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		f.mu.Unlock()
		if reject {
			_, _ = io.WriteString(w, `{"code":1,"msg":"rate limited"}`)
			return
		}
		_, _ = io.WriteString(w, `{"code":0,"data":{"biz_data":{"challenge":`+testChallenge+`}}}`)
	})
	mux.HandleFunc("/api/v0/chat/completion", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastCompletion = gjson.ParseBytes(b)
		f.lastAuth = r.Header.Get("Authorization")
		f.lastPow = r.Header.Get("x-ds-pow-response")
		lines := append([]string(nil), f.lines...)
		status, body, truncate, hold := f.completionStatus, f.completionBody, f.truncate, f.hold
		f.mu.Unlock()

		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		if truncate {
			w.Header().Set("Content-Length", "100000")
		}
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			_, _ = io.WriteString(w, line+"\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
			}
		}
	})
	return mux
}

func dataLine(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return "data: " + string(b)
}

func answerLines(parts ...string) []string {
	lines := []string{`data: {"v":{"response":{"message_id":2,"fragments":[]}}}`}
	for _, p := range parts {
		lines = append(lines, dataLine(map[string]any{"p": "response/content", "o": "APPEND", "v": p}))
	}
	return append(lines, `data: {"p":"response/status","o":"SET","v":"FINISHED"}`)
}

func fixedSolver(answer int64) pow.Solver {
	return pow.SolverFunc(func(context.Context, string, string, int64) (int64, bool, error) {
		return answer, true, nil
	})
}

func expectedPowHeader(t *testing.T) string {
	t.Helper()
	out, err := pow.Encode(42, pow.ParseChallenge(gjson.Parse(testChallenge)))
	if err != nil {
		t.Fatalf("encode expected pow: %v", err)
	}
	return out
}

type testEnv struct {
	fake   *fakeDeepSeek
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig), opts Options) *testEnv {
	t.Helper()
	fake := &fakeDeepSeek{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	cfg := config.NewDefaultServerConfig()
	cfg.Keys = []string{"sk-pool"}
	cfg.Accounts = []config.Account{{Email: "a@example.com", Password: "pw"}}
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.TimeoutSeconds = 5
	cfg.Upstream.RetryDelayMS = 1
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()

	opts.Store = config.NewServerConfigStore("", cfg)
	if opts.Solver == nil {
		opts.Solver = fixedSolver(42)
	}
	if opts.Logger == nil {
		opts.Logger = logutil.Discard()
	}
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	front := httptest.NewServer(s.Handler())
	t.Cleanup(front.Close)
	return &testEnv{fake: fake, server: s, http: front}
}
