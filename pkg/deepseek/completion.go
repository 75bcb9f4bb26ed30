package deepseek

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type CompletionRequest struct {
	SessionID   string
	Prompt      string
	Thinking    bool
	Search      bool
	PowResponse string
}

func (r CompletionRequest) payload() map[string]any {
	var session any
	if r.SessionID != "" {
		session = r.SessionID
	}
	return map[string]any{
		"chat_session_id":   session,
		"parent_message_id": nil,
		"prompt":            r.Prompt,
		"ref_file_ids":      []string{},
		"thinking_enabled":  r.Thinking,
		"search_enabled":    r.Search,
	}
}

// Completion starts a streaming completion and returns the decoded SSE body.
// The caller must close it.
func (c *Client) Completion(ctx context.Context, token string, req CompletionRequest) (io.ReadCloser, error) {
	extra := http.Header{}
	if req.PowResponse != "" {
		extra.Set(HeaderPowResponse, req.PowResponse)
	}
	payload := req.payload()
	var last error
	for i := 0; i < c.completionAttempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}
		resp, err := c.post(ctx, opCompletion, pathCompletion, token, payload, extra)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
			c.logger.Warn("completion request failed", "attempt", i+1, "timeout", isTimeout(errors.Unwrap(err)), "err", err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			body, err := decodeBody(resp)
			if err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("completion: %w", err)
			}
			return body, nil
		}
		apiErr := readAPIError(opCompletion, resp)
		if !retryableStatus(resp.StatusCode) {
			return nil, apiErr
		}
		last = apiErr
		c.logger.Warn("completion rejected, retrying", "attempt", i+1, "status", resp.StatusCode)
	}
	return nil, last
}

func readAPIError(op string, resp *http.Response) *UpstreamAPIError {
	defer resp.Body.Close()
	var raw []byte
	if rc, err := decodeBody(resp); err == nil {
		raw, _ = io.ReadAll(io.LimitReader(rc, maxErrorBody))
		if rc != resp.Body {
			rc.Close()
		}
	}
	return &UpstreamAPIError{
		Operation:   op,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(raw),
	}
}
