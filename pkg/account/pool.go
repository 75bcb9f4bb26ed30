package account

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yuanshang000/ds2api/pkg/cache"
	"github.com/yuanshang000/ds2api/pkg/logutil"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	Logger *log.Logger
	// LoginTimeout bounds a single login flight. Defaults to 60s.
	LoginTimeout time.Duration
	// Cooldown suppresses repeated logins for an account after a failure.
	Cooldown time.Duration
	// OnLogin is called after every upstream login attempt.
	OnLogin func(id string, err error)
}

type Status struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	HasToken  bool      `json:"has_token"`
	LastLogin time.Time `json:"last_login,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	mu        sync.Mutex
	acct      Account
	lastLogin time.Time
	lastErr   string
}

func (e *entry) snapshot() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct
}

func (e *entry) token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct.Token
}

func (e *entry) setToken(tok string, at time.Time) {
	e.mu.Lock()
	e.acct.Token = tok
	if tok != "" {
		e.lastLogin = at
		e.lastErr = ""
	}
	e.mu.Unlock()
}

func (e *entry) setError(err error) {
	e.mu.Lock()
	e.lastErr = err.Error()
	e.mu.Unlock()
}

// Pool hands out account tokens, logging in on demand. Logins for the same
// account are collapsed into one upstream call.
type Pool struct {
	repo    Repository
	loginer Loginer
	logger  *log.Logger

	loginTimeout time.Duration
	cooldownTTL  time.Duration
	onLogin      func(string, error)

	mu      sync.RWMutex
	keys    map[string]struct{}
	entries []*entry
	byID    map[string]*entry

	flights  singleflight.Group
	cooldown *cache.TTLMap[string, error]
	saveMu   sync.Mutex

	now  func() time.Time
	pick func(n int) int
}

func NewPool(ctx context.Context, repo Repository, loginer Loginer, opts Options) (*Pool, error) {
	if repo == nil {
		return nil, errors.New("account repository is required")
	}
	if loginer == nil {
		return nil, errors.New("account loginer is required")
	}
	p := &Pool{
		repo:         repo,
		loginer:      loginer,
		logger:       opts.Logger,
		loginTimeout: opts.LoginTimeout,
		cooldownTTL:  opts.Cooldown,
		onLogin:      opts.OnLogin,
		cooldown:     cache.NewTTLMap[string, error](),
		now:          time.Now,
		pick:         rand.IntN,
	}
	if p.logger == nil {
		p.logger = logutil.Component("account")
	}
	if p.loginTimeout <= 0 {
		p.loginTimeout = 60 * time.Second
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the pool contents with the repository's current state.
// Tokens already held in memory are kept for accounts the repository returns
// without one.
func (p *Pool) Reload(ctx context.Context) error {
	accounts, keys, err := p.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := validateAccounts(accounts); err != nil {
		return err
	}
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			keySet[k] = struct{}{}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]*entry, 0, len(accounts))
	byID := make(map[string]*entry, len(accounts))
	for _, a := range accounts {
		if old, ok := p.byID[a.ID()]; ok && a.Token == "" {
			a.Token = old.token()
		}
		e := &entry{acct: a}
		entries = append(entries, e)
		byID[a.ID()] = e
	}
	p.keys = keySet
	p.entries = entries
	p.byID = byID
	return nil
}

// IsKey reports whether bearer is one of the configured pool keys.
func (p *Pool) IsKey(bearer string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.keys[bearer]
	return ok
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.acct.ID())
	}
	return out
}

// ResolveToken maps an inbound bearer to the provider token to use. A bearer
// that is not a configured key is passed through untouched. Accounts named in
// exclude are never chosen. When the chosen account cannot log in, the
// returned Resolution still names it so the caller can exclude it next time.
func (p *Pool) ResolveToken(ctx context.Context, bearer, preferredID string, exclude ...string) (Resolution, error) {
	if !p.IsKey(bearer) {
		return Resolution{Token: bearer}, nil
	}
	e, err := p.choose(preferredID, exclude)
	if err != nil {
		return Resolution{}, err
	}
	id := e.snapshot().ID()
	tok, err := p.ensure(ctx, id, e)
	if err != nil {
		return Resolution{AccountID: id, Pooled: true}, err
	}
	return Resolution{Token: tok, AccountID: id, Pooled: true}, nil
}

func (p *Pool) choose(preferredID string, exclude []string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return nil, ErrPoolEmpty
	}
	if len(exclude) == 0 {
		if e, ok := p.byID[preferredID]; ok && preferredID != "" {
			return e, nil
		}
		return p.entries[p.pick(len(p.entries))], nil
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	if _, skipped := skip[preferredID]; !skipped {
		if e, ok := p.byID[preferredID]; ok {
			return e, nil
		}
	}
	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if _, ok := skip[e.acct.ID()]; !ok {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrPoolExhausted
	}
	return candidates[p.pick(len(candidates))], nil
}

func (p *Pool) lookup(id string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return e, nil
}

// EnsureToken logs the account in if it holds no token.
func (p *Pool) EnsureToken(ctx context.Context, id string) (string, error) {
	e, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	return p.ensure(ctx, id, e)
}

// Invalidate drops the cached token so the next resolution logs in again.
func (p *Pool) Invalidate(id string) {
	if e, err := p.lookup(id); err == nil {
		e.setToken("", time.Time{})
	}
}

// Refresh forces a new login for id, subject to the failure cooldown.
func (p *Pool) Refresh(ctx context.Context, id string) (string, error) {
	e, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	e.setToken("", time.Time{})
	return p.ensure(ctx, id, e)
}

// ForceLogin is Refresh without the failure cooldown.
func (p *Pool) ForceLogin(ctx context.Context, id string) (string, error) {
	p.cooldown.Delete(id)
	return p.Refresh(ctx, id)
}

func (p *Pool) ensure(ctx context.Context, id string, e *entry) (string, error) {
	if tok := e.token(); tok != "" {
		return tok, nil
	}
	if err, ok := p.cooldown.GetFresh(id, p.now()); ok {
		return "", err
	}
	ch := p.flights.DoChan(id, func() (any, error) {
		if tok := e.token(); tok != "" {
			return tok, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loginTimeout)
		defer cancel()
		return p.login(fctx, id, e)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *Pool) login(ctx context.Context, id string, e *entry) (string, error) {
	creds := e.snapshot().Credentials()
	if err := creds.Validate(); err != nil {
		e.setError(err)
		return "", fmt.Errorf("account %s: %w", id, err)
	}
	started := p.now()
	tok, err := p.loginer.Login(ctx, creds)
	if err == nil && tok == "" {
		err = ErrNoTokenReturned
	}
	if p.onLogin != nil {
		p.onLogin(id, err)
	}
	if err != nil {
		err = fmt.Errorf("account %s: %w", id, err)
		e.setError(err)
		if p.cooldownTTL > 0 {
			p.cooldown.Set(id, err, p.now(), p.cooldownTTL)
		}
		p.logger.Warn("account login failed", "account", id, "err", err)
		return "", err
	}
	e.setToken(tok, p.now())
	p.cooldown.Delete(id)
	p.logger.Info("account logged in", "account", id, "took", p.now().Sub(started).Round(time.Millisecond))
	if err := p.persist(ctx); err != nil {
		p.logger.Warn("persist account token failed", "account", id, "err", err)
	}
	return tok, nil
}

func (p *Pool) persist(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	p.mu.RLock()
	accounts := make([]Account, 0, len(p.entries))
	for _, e := range p.entries {
		accounts = append(accounts, e.snapshot())
	}
	keys := make([]string, 0, len(p.keys))
	for k := range p.keys {
		keys = append(keys, k)
	}
	p.mu.RUnlock()
	sort.Strings(keys)
	return p.repo.Save(ctx, accounts, keys)
}

// PurgeCooldowns forgets login failures whose cooldown has passed.
func (p *Pool) PurgeCooldowns() int {
	return p.cooldown.Purge(p.now())
}

func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	entries := append([]*entry(nil), p.entries...)
	p.mu.RUnlock()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := Status{
			ID:        e.acct.ID(),
			Kind:      "mobile",
			HasToken:  e.acct.Token != "",
			LastLogin: e.lastLogin,
			LastError: e.lastErr,
		}
		if e.acct.Email != "" {
			st.Kind = "email"
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}
