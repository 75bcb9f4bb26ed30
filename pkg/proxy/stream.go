package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/yuanshang000/ds2api/pkg/prompt"
	"github.com/yuanshang000/ds2api/pkg/sse"
)

const (
	objectChunk      = "chat.completion.chunk"
	objectCompletion = "chat.completion"
)

type chunkDelta struct {
	Role             string            `json:"role,omitempty"`
	Content          string            `json:"content,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []openai.ToolCall `json:"tool_calls,omitempty"`
}

type chunkChoice struct {
	Index        int                 `json:"index"`
	Delta        chunkDelta          `json:"delta"`
	FinishReason openai.FinishReason `json:"finish_reason"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *openai.Usage `json:"usage,omitempty"`
}

type streamItem struct {
	out sse.Outcome
	err error
}

type streamTimings struct {
	keepalive     time.Duration
	idle          time.Duration
	maxKeepalives int
}

func (s *Server) streamTimings() streamTimings {
	cfg := s.store.Snapshot().Stream
	t := streamTimings{
		keepalive:     time.Duration(cfg.KeepaliveSeconds) * time.Second,
		idle:          time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		maxKeepalives: cfg.MaxKeepalives,
	}
	if s.timings != nil {
		t = *s.timings
	}
	if t.keepalive <= 0 {
		t.keepalive = 5 * time.Second
	}
	if t.idle <= 0 {
		t.idle = 30 * time.Second
	}
	if t.maxKeepalives <= 0 {
		t.maxKeepalives = 10
	}
	return t
}

// sseWriter writes OpenAI chunks for one job and keeps the running answer
// for usage and tool-call detection.
type sseWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	job       *chatJob
	roleSent  bool
	text      strings.Builder
	reasoning strings.Builder
	err       error
}

func (sw *sseWriter) write(b []byte) bool {
	if sw.err != nil {
		return false
	}
	if _, err := sw.w.Write(b); err != nil {
		sw.err = err
		return false
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return true
}

func (sw *sseWriter) event(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		sw.err = err
		return false
	}
	return sw.write([]byte("data: " + string(b) + "\n\n"))
}

func (sw *sseWriter) chunk(choice chunkChoice, usage *openai.Usage) bool {
	return sw.event(chatChunk{
		ID:      sw.job.id,
		Object:  objectChunk,
		Created: sw.job.created,
		Model:   sw.job.model,
		Choices: []chunkChoice{choice},
		Usage:   usage,
	})
}

func (sw *sseWriter) piece(p sse.Piece) bool {
	var delta chunkDelta
	if !sw.roleSent {
		delta.Role = "assistant"
		sw.roleSent = true
	}
	if p.Channel == sse.Thinking {
		delta.ReasoningContent = p.Text
		sw.reasoning.WriteString(p.Text)
	} else {
		delta.Content = p.Text
		sw.text.WriteString(p.Text)
	}
	return sw.chunk(chunkChoice{Delta: delta}, nil)
}

func (sw *sseWriter) keepalive() bool {
	return sw.write([]byte(": keep-alive\n\n"))
}

func (sw *sseWriter) done() bool {
	return sw.write([]byte("data: [DONE]\n\n"))
}

func (sw *sseWriter) inlineError(err error) bool {
	return sw.event(errorBody{Error: apiError{Message: err.Error(), Type: "stream_error", Code: "stream_error"}})
}

func (s *Server) streamCompletion(parent context.Context, w http.ResponseWriter, job *chatJob) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer job.body.Close()
	defer s.metrics.StreamStarted()()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	sw := &sseWriter{w: w, flusher: flusher, job: job}

	items := make(chan streamItem, 16)
	go func() {
		defer close(items)
		sess := sse.NewSession(job.thinking, job.search)
		err := readEvents(ctx, job.body, sess, func(out sse.Outcome) bool {
			select {
			case items <- streamItem{out: out}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			select {
			case items <- streamItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	timings := s.streamTimings()
	ticker := time.NewTicker(timings.keepalive)
	defer ticker.Stop()
	hasContent := false
	lastContent := time.Now()
	keepalives := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("client went away", "id", job.id)
			return
		case item, ok := <-items:
			if !ok {
				sw.done()
				return
			}
			if item.err != nil {
				s.logger.Warn("stream read failed", "id", job.id, "err", item.err)
				sw.inlineError(item.err)
				sw.done()
				return
			}
			keepalives = 0
			for _, p := range item.out.Pieces {
				if !sw.piece(p) {
					return
				}
			}
			if len(item.out.Pieces) > 0 {
				hasContent = true
				lastContent = time.Now()
				ticker.Reset(timings.keepalive)
			}
			if item.out.Filtered {
				s.finishStream(sw, openai.FinishReasonContentFilter)
				return
			}
			if item.out.Finished {
				s.finishStream(sw, openai.FinishReasonStop)
				return
			}
		case <-ticker.C:
			if hasContent && (time.Since(lastContent) >= timings.idle || keepalives >= timings.maxKeepalives) {
				s.logger.Warn("upstream went quiet, closing stream", "id", job.id, "keepalives", keepalives)
				s.finishStream(sw, openai.FinishReasonStop)
				return
			}
			if !sw.keepalive() {
				return
			}
			keepalives++
		}
	}
}

// finishStream writes the optional tool-call chunk, the terminal chunk with
// usage and the [DONE] sentinel.
func (s *Server) finishStream(sw *sseWriter, reason openai.FinishReason) {
	job := sw.job
	text := sw.text.String()
	if reason == openai.FinishReasonStop && job.hasTools() {
		if calls := prompt.ParseToolCalls(text, job.toolNames); len(calls) > 0 {
			reason = openai.FinishReasonToolCalls
			sw.chunk(chunkChoice{Delta: chunkDelta{ToolCalls: prompt.FormatToolCalls(calls, job.id)}}, nil)
		}
	}
	usage := buildUsage(s.counter, job.prompt, sw.reasoning.String(), text)
	s.recordTokens(job.model, usage)
	sw.chunk(chunkChoice{FinishReason: reason}, &usage)
	sw.done()
	if sw.err != nil {
		s.logger.Debug("stream write failed", "id", job.id, "err", sw.err)
	}
}

func (s *Server) recordTokens(model string, u openai.Usage) {
	reasoning := 0
	if u.CompletionTokensDetails != nil {
		reasoning = u.CompletionTokensDetails.ReasoningTokens
	}
	s.metrics.RecordTokens(model, u.PromptTokens, u.CompletionTokens, reasoning)
}
