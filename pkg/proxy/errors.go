package proxy

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/deepseek"
	"github.com/yuanshang000/ds2api/pkg/pow"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeUnavailable    = "model_not_available"
	errTypeCredential     = "credential_error"
	errTypePow            = "pow_error"
	errTypeUpstream       = "upstream_error"
	errTypeServer         = "server_error"
)

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: apiError{Message: message, Type: errType, Code: http.StatusText(status)}})
}

// writeFailure maps an error from the request pipeline to a response and
// returns the status written. Upstream API errors from the completion call
// are relayed with their own status and body.
func writeFailure(w http.ResponseWriter, err error) int {
	status, errType, known := classifyFailure(err)
	var upstreamErr *deepseek.UpstreamAPIError
	if !known && errors.As(err, &upstreamErr) {
		ct := upstreamErr.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(upstreamErr.StatusCode)
		_, _ = w.Write([]byte(upstreamErr.Body))
		return upstreamErr.StatusCode
	}
	writeError(w, status, errType, err.Error())
	return status
}

// classifyFailure reports the status for credential and pow failures. known
// is false for everything else, which maps to 502.
func classifyFailure(err error) (status int, errType string, known bool) {
	switch {
	case errors.Is(err, account.ErrPoolEmpty),
		errors.Is(err, account.ErrUnknownAccount),
		account.IsCredentialError(err):
		return http.StatusInternalServerError, errTypeCredential, true
	case errors.Is(err, pow.ErrUnsupportedAlgorithm),
		errors.Is(err, pow.ErrExhausted),
		errors.Is(err, pow.ErrSolverUnavailable),
		errors.Is(err, pow.ErrNoSolution):
		return http.StatusInternalServerError, errTypePow, true
	default:
		return http.StatusBadGateway, errTypeUpstream, false
	}
}
