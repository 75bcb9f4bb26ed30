package deepseek

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// UpstreamAPIError is a non-2xx answer from the provider. Body is kept
// verbatim so the proxy can hand it to the client unchanged.
type UpstreamAPIError struct {
	Operation   string
	StatusCode  int
	ContentType string
	Body        string
}

func (e *UpstreamAPIError) Error() string {
	return fmt.Sprintf("deepseek %s status %d: %s", e.Operation, e.StatusCode, truncate(e.Body, 512))
}

// BizError is a well-formed response whose code field reports failure.
type BizError struct {
	Operation  string
	StatusCode int
	Code       int64
	Msg        string
}

func (e *BizError) Error() string {
	return fmt.Sprintf("deepseek %s code %d: %s", e.Operation, e.Code, e.Msg)
}

// IsAuth reports whether the provider rejected the token itself.
func (e *BizError) IsAuth() bool {
	if e.Code >= 40001 && e.Code <= 40003 {
		return true
	}
	msg := strings.ToLower(e.Msg)
	return strings.Contains(msg, "token") || strings.Contains(msg, "unauthorized")
}

// IsAuthError reports whether err means the bearer token is no longer valid.
func IsAuthError(err error) bool {
	var biz *BizError
	if errors.As(err, &biz) {
		return biz.IsAuth()
	}
	var api *UpstreamAPIError
	if errors.As(err, &api) {
		return api.StatusCode == http.StatusUnauthorized || api.StatusCode == http.StatusForbidden
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
