package deepseek

import (
	"context"
	"errors"
	"fmt"

	"github.com/yuanshang000/ds2api/pkg/pow"
)

// RequestChallenge fetches a fresh PoW challenge for the completion endpoint.
// It implements pow.ChallengeSource.
func (c *Client) RequestChallenge(ctx context.Context, token string) (pow.Challenge, error) {
	body := map[string]string{"target_path": pathCompletion}
	var last error
	for i := 0; i < c.challengeAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return pow.Challenge{}, err
		}
		status, doc, raw, err := c.unary(ctx, opChallenge, pathPowChallenge, token, body, c.powTimeout)
		if err != nil {
			last = err
			c.logger.Warn("pow challenge request failed", "attempt", i+1, "err", err)
			continue
		}
		if status == 200 && doc.Get("code").Exists() && doc.Get("code").Int() == 0 {
			ch := doc.Get("data.biz_data.challenge")
			if !ch.IsObject() {
				return pow.Challenge{}, errors.New("pow challenge missing from response")
			}
			return pow.ParseChallenge(ch), nil
		}
		last = responseError(opChallenge, status, doc.Get("code").Exists(), doc.Get("code").Int(), doc.Get("msg").String(), raw)
		c.logger.Warn("pow challenge rejected", "attempt", i+1, "status", status, "err", last)
	}
	return pow.Challenge{}, fmt.Errorf("pow challenge: %w", last)
}

func responseError(op string, status int, hasCode bool, code int64, msg string, raw []byte) error {
	if hasCode && code != 0 {
		return &BizError{Operation: op, StatusCode: status, Code: code, Msg: msg}
	}
	return &UpstreamAPIError{Operation: op, StatusCode: status, Body: string(raw)}
}
