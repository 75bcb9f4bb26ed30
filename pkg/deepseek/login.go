package deepseek

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yuanshang000/ds2api/pkg/account"
)

const deviceID = "deepseek_to_api"

// Login exchanges account credentials for a user token. It implements
// account.Loginer.
func (c *Client) Login(ctx context.Context, creds account.Credentials) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}
	var payload map[string]any
	if creds.Email != "" {
		payload = map[string]any{
			"email":     creds.Email,
			"password":  creds.Password,
			"device_id": deviceID,
			"os":        "android",
		}
	} else {
		payload = map[string]any{
			"mobile":    creds.Mobile,
			"area_code": nil,
			"password":  creds.Password,
			"device_id": deviceID,
			"os":        "android",
		}
	}
	status, doc, raw, err := c.unary(ctx, opLogin, pathLogin, "", payload, c.timeout)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", &UpstreamAPIError{Operation: opLogin, StatusCode: status, Body: string(raw)}
	}
	if !doc.IsObject() {
		return "", errors.New("login: invalid JSON response")
	}
	if code := doc.Get("code"); code.Int() != 0 || !code.Exists() {
		msg := doc.Get("msg").String()
		if msg == "" {
			msg = "Unknown error"
		}
		return "", &account.LoginRejectedError{Message: msg}
	}
	if biz := doc.Get("data.biz_code"); !biz.Exists() || biz.Int() != 0 {
		return "", &account.LoginRejectedError{Message: doc.Get("data.biz_msg").String()}
	}
	user := doc.Get("data.biz_data.user")
	if !user.IsObject() {
		return "", fmt.Errorf("login: invalid response format")
	}
	tok := strings.TrimSpace(user.Get("token").String())
	if tok == "" {
		return "", account.ErrNoTokenReturned
	}
	return tok, nil
}
