package deepseek

import (
	"context"
	"errors"
)

// CreateSession opens a chat session and returns its id.
func (c *Client) CreateSession(ctx context.Context, token string) (string, error) {
	status, doc, raw, err := c.unary(ctx, opSession, pathSession, token, map[string]string{"agent": "chat"}, c.timeout)
	if err != nil {
		return "", err
	}
	code := doc.Get("code")
	if status == 200 && code.Exists() && code.Int() == 0 {
		id := doc.Get("data.biz_data.id").String()
		if id == "" {
			return "", errors.New("session_create: response carried no id")
		}
		return id, nil
	}
	return "", responseError(opSession, status, code.Exists(), code.Int(), doc.Get("msg").String(), raw)
}
