package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"
	"github.com/yuanshang000/ds2api/pkg/config"
)

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ds2api.toml")
	cfg := config.NewDefaultServerConfig()
	cfg.Keys = []string{"sk-1"}
	cfg.Accounts = []config.Account{
		{Email: "a@example.com", Password: "pw"},
		{Mobile: "13800000000", Token: "kept"},
	}
	if baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	cfg.Normalize()
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestPrintAccounts(t *testing.T) {
	color.NoColor = true
	cfg, err := config.LoadServerConfig(writeTestConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var buf bytes.Buffer
	printAccounts(&buf, cfg)
	out := buf.String()
	for _, want := range []string{"a@example.com", "no token", "13800000000", "mobile", "2 account(s), 1 key(s)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "pw") || strings.Contains(out, "kept") {
		t.Fatalf("secrets leaked into output:\n%s", out)
	}
}

func TestLoginAccountsPersistsToken(t *testing.T) {
	color.NoColor = true
	var logins []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/users/login" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		logins = append(logins, gjson.GetBytes(b, "email").String())
		_, _ = io.WriteString(w, `{"code":0,"data":{"biz_code":0,"biz_data":{"user":{"token":"fresh"}}}}`)
	}))
	defer upstream.Close()

	path := writeTestConfig(t, upstream.URL)
	var buf bytes.Buffer
	if err := loginAccounts(context.Background(), &buf, path, []string{"a@example.com"}); err != nil {
		t.Fatalf("login: %v\n%s", err, buf.String())
	}
	if len(logins) != 1 || logins[0] != "a@example.com" {
		t.Fatalf("unexpected upstream logins: %v", logins)
	}
	if !strings.Contains(buf.String(), "OK a@example.com") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Accounts[0].Token != "fresh" || cfg.Accounts[1].Token != "kept" {
		t.Fatalf("unexpected tokens after login: %+v", cfg.Accounts)
	}
}

func TestLoginAccountsReportsFailures(t *testing.T) {
	color.NoColor = true
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":0,"data":{"biz_code":2,"biz_msg":"PASSWORD_ERROR"}}`)
	}))
	defer upstream.Close()

	path := writeTestConfig(t, upstream.URL)
	var buf bytes.Buffer
	err := loginAccounts(context.Background(), &buf, path, []string{"a@example.com", "nobody"})
	if err == nil || !strings.Contains(err.Error(), "2 of 2") {
		t.Fatalf("expected both logins to fail, got %v", err)
	}
	if strings.Count(buf.String(), "FAIL") != 2 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
