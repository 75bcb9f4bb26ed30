package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/deepseek"
	"github.com/yuanshang000/ds2api/pkg/prompt"
)

const maxRequestBody = 8 << 20

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []prompt.Message  `json:"messages"`
	Stream   bool              `json:"stream"`
	Tools    []json.RawMessage `json:"tools"`
}

// chatJob is a started upstream completion plus what the writers need to
// re-encode it.
type chatJob struct {
	id        string
	created   int64
	model     string
	thinking  bool
	search    bool
	prompt    string
	toolNames []string
	body      io.ReadCloser
}

func (j *chatJob) hasTools() bool {
	return len(j.toolNames) > 0
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := deepseek.Models()
	data := make([]openai.Model, 0, len(list))
	for _, m := range list {
		data = append(data, openai.Model{
			ID:         m.ID,
			Object:     "model",
			CreatedAt:  deepseek.ModelCreated,
			OwnedBy:    deepseek.ModelOwner,
			Permission: []openai.Permission{},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	var (
		model  string
		stream bool
	)
	defer func() {
		s.metrics.RecordRequest(model, ww.Status(), stream, time.Since(start))
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(ww, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(ww, http.StatusBadRequest, errTypeInvalidRequest, "invalid JSON body")
		return
	}
	model = strings.TrimSpace(req.Model)
	if model == "" || len(req.Messages) == 0 {
		writeError(ww, http.StatusBadRequest, errTypeInvalidRequest, "Request must include 'model' and 'messages'.")
		return
	}
	stream = req.Stream
	m, ok := deepseek.LookupModel(model)
	if !ok {
		writeError(ww, http.StatusServiceUnavailable, errTypeUnavailable, fmt.Sprintf("Model '%s' is not available.", model))
		return
	}

	ctx := r.Context()
	bearer := bearerToken(r.Header)
	res, err := s.pool.ResolveToken(ctx, bearer, strings.TrimSpace(r.Header.Get(AccountHeader)))
	if err != nil && res.Pooled && ctx.Err() == nil {
		var tried []string
		if s.switchAccount(ctx, bearer, &res, &tried, err) {
			err = nil
		}
	}
	if err != nil {
		s.logger.Error("resolve token failed", "err", err)
		writeFailure(ww, err)
		return
	}

	tools := decodeTools(req.Tools)
	messages := req.Messages
	if len(tools) > 0 {
		messages = prompt.InjectTools(messages, tools)
	}
	finalPrompt := prompt.Prepare(messages)

	sessionID, powResponse, err := s.prepareUpstream(ctx, bearer, &res)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("pow failed", "account", res.AccountID, "err", err)
		writeFailure(ww, err)
		return
	}

	upstream, err := s.upstream.Completion(ctx, res.Token, deepseek.CompletionRequest{
		SessionID:   sessionID,
		Prompt:      finalPrompt,
		Thinking:    m.Thinking,
		Search:      m.Search,
		PowResponse: powResponse,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("completion failed", "account", res.AccountID, "err", err)
		writeFailure(ww, err)
		return
	}

	job := &chatJob{
		id:        completionID(sessionID),
		created:   nowUTC().Unix(),
		model:     model,
		thinking:  m.Thinking,
		search:    m.Search,
		prompt:    finalPrompt,
		toolNames: prompt.ToolNames(tools),
		body:      upstream,
	}
	if stream {
		s.streamCompletion(ctx, ww, job)
		return
	}
	s.collectCompletion(ctx, ww, job)
}

// prepareUpstream creates a chat session and answers the PoW challenge. In
// pool mode a failing account is swapped for one not tried yet, until every
// account has had a turn. A session that cannot be created on any account is
// left empty.
func (s *Server) prepareUpstream(ctx context.Context, bearer string, res *account.Resolution) (string, string, error) {
	var tried []string
	for {
		var sessionID string
		err := s.withRefresh(ctx, res, func(token string) error {
			id, err := s.upstream.CreateSession(ctx, token)
			sessionID = id
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			if s.switchAccount(ctx, bearer, res, &tried, err) {
				continue
			}
			s.logger.Warn("session create failed, continuing without session", "account", res.AccountID, "err", err)
			sessionID = ""
		}

		var powResponse string
		err = s.withRefresh(ctx, res, func(token string) error {
			out, err := s.pow.GetResponse(ctx, token)
			powResponse = out
			return err
		})
		if err != nil && ctx.Err() == nil && s.switchAccount(ctx, bearer, res, &tried, err) {
			continue
		}
		return sessionID, powResponse, err
	}
}

// switchAccount replaces res with an untried pooled account that can log in.
// It reports false when res is not pooled or no account is left.
func (s *Server) switchAccount(ctx context.Context, bearer string, res *account.Resolution, tried *[]string, cause error) bool {
	if !res.Pooled {
		return false
	}
	*tried = append(*tried, res.AccountID)
	for len(*tried) < s.pool.Len() {
		next, err := s.pool.ResolveToken(ctx, bearer, "", *tried...)
		if err == nil {
			s.logger.Warn("switching account", "from", res.AccountID, "to", next.AccountID, "err", cause)
			*res = next
			return true
		}
		if next.AccountID == "" || ctx.Err() != nil {
			return false
		}
		s.logger.Warn("account login failed, trying another", "account", next.AccountID, "err", err)
		*tried = append(*tried, next.AccountID)
	}
	return false
}

// withRefresh runs fn with the resolved token. A pooled token rejected by the
// upstream is refreshed once and fn is retried with the new token. A fresh
// token that is rejected again is dropped from the pool.
func (s *Server) withRefresh(ctx context.Context, res *account.Resolution, fn func(token string) error) error {
	err := fn(res.Token)
	if err == nil || !res.Pooled || !deepseek.IsAuthError(err) {
		return err
	}
	s.logger.Info("token rejected, logging in again", "account", res.AccountID)
	token, rerr := s.pool.Refresh(ctx, res.AccountID)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	res.Token = token
	err = fn(token)
	if err != nil && deepseek.IsAuthError(err) {
		s.pool.Invalidate(res.AccountID)
	}
	return err
}

func completionID(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return "chatcmpl-" + uuid.NewString()
}

// decodeTools accepts the OpenAI tool shape and the bare {name, description,
// parameters} shape. Parameters stay raw so their key order survives.
func decodeTools(raw []json.RawMessage) []openai.Tool {
	if len(raw) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(raw))
	for _, item := range raw {
		doc := gjson.ParseBytes(item)
		if !doc.IsObject() {
			continue
		}
		fn := doc.Get("function")
		if !fn.IsObject() {
			fn = doc
		}
		def := &openai.FunctionDefinition{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if p := fn.Get("parameters"); p.Exists() {
			def.Parameters = json.RawMessage(p.Raw)
		}
		tools = append(tools, openai.Tool{Type: openai.ToolTypeFunction, Function: def})
	}
	return tools
}
