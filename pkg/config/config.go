package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "ds2api.toml"

	DefaultUpstreamBaseURL = "https://chat.deepseek.com"

	SolverNone    = "none"
	SolverWasm    = "wasm"
	SolverCommand = "command"

	TokenizerEstimate = "estimate"
	TokenizerCL100K   = "cl100k_base"
)

type Account struct {
	Email    string `toml:"email,omitempty" json:"email,omitempty"`
	Mobile   string `toml:"mobile,omitempty" json:"mobile,omitempty"`
	Password string `toml:"password,omitempty" json:"-"`
	Token    string `toml:"token,omitempty" json:"-"`
}

// Identifier is the trimmed email, or the trimmed mobile when no email is set.
func (a Account) Identifier() string {
	if email := strings.TrimSpace(a.Email); email != "" {
		return email
	}
	return strings.TrimSpace(a.Mobile)
}

type UpstreamConfig struct {
	BaseURL               string  `toml:"base_url"`
	TimeoutSeconds        int     `toml:"timeout_seconds"`
	PowTimeoutSeconds     int     `toml:"pow_timeout_seconds"`
	PowMaxAttempts        int     `toml:"pow_max_attempts"`
	CompletionMaxAttempts int     `toml:"completion_max_attempts"`
	RetryDelayMS          int     `toml:"retry_delay_ms"`
	RequestsPerSecond     float64 `toml:"requests_per_second,omitempty"`
	Burst                 int     `toml:"burst,omitempty"`
}

type PowConfig struct {
	Solver   string   `toml:"solver"`
	WasmPath string   `toml:"wasm_path,omitempty"`
	Command  []string `toml:"command,omitempty"`
}

type StreamConfig struct {
	KeepaliveSeconds   int `toml:"keepalive_seconds"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
	MaxKeepalives      int `toml:"max_keepalives"`
}

type UsageConfig struct {
	Tokenizer string `toml:"tokenizer"`
}

type AccountsHealthConfig struct {
	IntervalSeconds      int `toml:"interval_seconds"`
	RetrySeconds         int `toml:"retry_seconds"`
	LoginCooldownSeconds int `toml:"login_cooldown_seconds"`
}

type AdminConfig struct {
	Key string `toml:"key,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr     string               `toml:"listen_addr"`
	Keys           []string             `toml:"keys"`
	Accounts       []Account            `toml:"accounts"`
	Upstream       UpstreamConfig       `toml:"upstream"`
	Pow            PowConfig            `toml:"pow"`
	Stream         StreamConfig         `toml:"stream"`
	Usage          UsageConfig          `toml:"usage"`
	AccountsHealth AccountsHealthConfig `toml:"accounts_health"`
	Admin          AdminConfig          `toml:"admin"`
	TLS            TLSConfig            `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "ds2api", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "ds2api", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:5001",
		Keys:       []string{},
		Accounts:   []Account{},
		Upstream: UpstreamConfig{
			BaseURL:               DefaultUpstreamBaseURL,
			TimeoutSeconds:        60,
			PowTimeoutSeconds:     30,
			PowMaxAttempts:        3,
			CompletionMaxAttempts: 3,
			RetryDelayMS:          1000,
		},
		Pow: PowConfig{
			Solver: SolverNone,
		},
		Stream: StreamConfig{
			KeepaliveSeconds:   5,
			IdleTimeoutSeconds: 30,
			MaxKeepalives:      10,
		},
		Usage: UsageConfig{
			Tokenizer: TokenizerEstimate,
		},
		AccountsHealth: AccountsHealthConfig{
			IntervalSeconds:      15 * 60,
			RetrySeconds:         30,
			LoginCooldownSeconds: 10,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes a default config when path does not exist yet.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg, err := LoadServerConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = NewDefaultServerConfig()
	cfg.Normalize()
	if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":5001"
	}

	keys := make([]string, 0, len(c.Keys))
	seen := map[string]struct{}{}
	for _, k := range c.Keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.Keys = keys

	for i := range c.Accounts {
		c.Accounts[i].Email = strings.TrimSpace(c.Accounts[i].Email)
		c.Accounts[i].Mobile = strings.TrimSpace(c.Accounts[i].Mobile)
		c.Accounts[i].Password = strings.TrimSpace(c.Accounts[i].Password)
		c.Accounts[i].Token = strings.TrimSpace(c.Accounts[i].Token)
	}

	u := &c.Upstream
	u.BaseURL = strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	if u.BaseURL == "" {
		u.BaseURL = DefaultUpstreamBaseURL
	}
	if u.TimeoutSeconds <= 0 {
		u.TimeoutSeconds = 60
	}
	if u.PowTimeoutSeconds <= 0 {
		u.PowTimeoutSeconds = 30
	}
	if u.PowMaxAttempts <= 0 {
		u.PowMaxAttempts = 3
	}
	if u.CompletionMaxAttempts <= 0 {
		u.CompletionMaxAttempts = 3
	}
	if u.RetryDelayMS < 0 {
		u.RetryDelayMS = 0
	}
	if u.RequestsPerSecond < 0 {
		u.RequestsPerSecond = 0
	}
	if u.RequestsPerSecond > 0 && u.Burst <= 0 {
		u.Burst = 1
	}

	c.Pow.Solver = strings.ToLower(strings.TrimSpace(c.Pow.Solver))
	if c.Pow.Solver == "" {
		c.Pow.Solver = SolverNone
	}
	c.Pow.WasmPath = strings.TrimSpace(c.Pow.WasmPath)

	if c.Stream.KeepaliveSeconds <= 0 {
		c.Stream.KeepaliveSeconds = 5
	}
	if c.Stream.IdleTimeoutSeconds <= 0 {
		c.Stream.IdleTimeoutSeconds = 30
	}
	if c.Stream.MaxKeepalives <= 0 {
		c.Stream.MaxKeepalives = 10
	}

	c.Usage.Tokenizer = strings.ToLower(strings.TrimSpace(c.Usage.Tokenizer))
	if c.Usage.Tokenizer == "" {
		c.Usage.Tokenizer = TokenizerEstimate
	}

	h := &c.AccountsHealth
	if h.IntervalSeconds < 0 {
		h.IntervalSeconds = 0
	}
	if h.RetrySeconds <= 0 {
		h.RetrySeconds = 30
	}
	if h.LoginCooldownSeconds < 0 {
		h.LoginCooldownSeconds = 0
	}

	c.Admin.Key = strings.TrimSpace(c.Admin.Key)
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr cannot be empty")
	}
	seen := map[string]struct{}{}
	for i, a := range c.Accounts {
		id := a.Identifier()
		if id == "" {
			return fmt.Errorf("account %d: email or mobile is required", i+1)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate account %q", id)
		}
		seen[id] = struct{}{}
		if a.Password == "" && a.Token == "" {
			return fmt.Errorf("account %q: password or token is required", id)
		}
	}
	switch c.Pow.Solver {
	case SolverNone:
	case SolverWasm:
		if c.Pow.WasmPath == "" {
			return errors.New("pow.wasm_path is required when pow.solver = \"wasm\"")
		}
	case SolverCommand:
		if len(c.Pow.Command) == 0 || strings.TrimSpace(c.Pow.Command[0]) == "" {
			return errors.New("pow.command is required when pow.solver = \"command\"")
		}
	default:
		return fmt.Errorf("unknown pow.solver %q", c.Pow.Solver)
	}
	switch c.Usage.Tokenizer {
	case TokenizerEstimate, TokenizerCL100K:
	default:
		return fmt.Errorf("unknown usage.tokenizer %q", c.Usage.Tokenizer)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}

// ServerConfigStore guards the live config and persists every accepted update.
type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cfg.clone()
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(s.path) != "" {
		if err := Save(s.path, &cp); err != nil {
			return err
		}
	}
	s.cfg = &cp
	return nil
}

func (c *ServerConfig) clone() ServerConfig {
	cp := *c
	cp.Keys = append([]string(nil), c.Keys...)
	cp.Accounts = append([]Account(nil), c.Accounts...)
	cp.Pow.Command = append([]string(nil), c.Pow.Command...)
	return cp
}
