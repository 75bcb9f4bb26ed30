package proxy

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/yuanshang000/ds2api/pkg/prompt"
	"github.com/yuanshang000/ds2api/pkg/sse"
)

type completionMessage struct {
	Role             string            `json:"role"`
	Content          *string           `json:"content"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []openai.ToolCall `json:"tool_calls,omitempty"`
}

type completionChoice struct {
	Index        int                 `json:"index"`
	Message      completionMessage   `json:"message"`
	FinishReason openai.FinishReason `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   openai.Usage       `json:"usage"`
}

// collectCompletion drains the upstream stream and answers with a single
// chat.completion object.
func (s *Server) collectCompletion(ctx context.Context, w http.ResponseWriter, job *chatJob) {
	defer job.body.Close()

	var text, reasoning strings.Builder
	reason := openai.FinishReasonStop
	sess := sse.NewSession(job.thinking, job.search)
	err := readEvents(ctx, job.body, sess, func(out sse.Outcome) bool {
		for _, p := range out.Pieces {
			if p.Channel == sse.Thinking {
				reasoning.WriteString(p.Text)
			} else {
				text.WriteString(p.Text)
			}
		}
		if out.Filtered {
			reason = openai.FinishReasonContentFilter
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("collect read failed", "id", job.id, "err", err)
		if text.Len() == 0 && reasoning.Len() == 0 {
			writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream stream failed: "+err.Error())
			return
		}
	}

	answer := text.String()
	msg := completionMessage{Role: "assistant", Content: &answer}
	if job.thinking && reasoning.Len() > 0 {
		msg.ReasoningContent = reasoning.String()
	}
	if reason == openai.FinishReasonStop && job.hasTools() {
		if calls := prompt.ParseToolCalls(answer, job.toolNames); len(calls) > 0 {
			reason = openai.FinishReasonToolCalls
			msg.Content = nil
			msg.ToolCalls = prompt.FormatToolCalls(calls, job.id)
		}
	}
	usage := buildUsage(s.counter, job.prompt, reasoning.String(), answer)
	s.recordTokens(job.model, usage)
	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      job.id,
		Object:  objectCompletion,
		Created: job.created,
		Model:   job.model,
		Choices: []completionChoice{{Message: msg, FinishReason: reason}},
		Usage:   usage,
	})
}
