package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/deepseek"
	"github.com/yuanshang000/ds2api/pkg/logutil"
)

const accountHealthCheckInterval = 15 * time.Minute
const accountHealthRetryInterval = 30 * time.Second
const accountLoginTimeout = 60 * time.Second

const (
	healthOnline      = "online"
	healthOffline     = "offline"
	healthAuthProblem = "auth problem"
)

type AccountHealth struct {
	Status    string    `json:"status"`
	LoginMS   int64     `json:"login_ms,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

type tokenPool interface {
	Statuses() []account.Status
	EnsureToken(ctx context.Context, id string) (string, error)
	PurgeCooldowns() int
}

// AccountHealthChecker keeps every pooled account logged in. Tokenless
// accounts are logged in on start and re-tried on the retry interval after a
// failure.
type AccountHealthChecker struct {
	pool     tokenPool
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time
	logger   *log.Logger
	onChange func()

	mu      sync.RWMutex
	byID    map[string]AccountHealth
	forceCh chan struct{}
}

func NewAccountHealthChecker(pool tokenPool, interval, retry time.Duration, logger *log.Logger) *AccountHealthChecker {
	if interval <= 0 {
		interval = accountHealthCheckInterval
	}
	if retry <= 0 {
		retry = accountHealthRetryInterval
	}
	poll := retry
	if interval < poll {
		poll = interval
	}
	if logger == nil {
		logger = logutil.Component("health")
	}
	return &AccountHealthChecker{
		pool:     pool,
		interval: interval,
		retry:    retry,
		poll:     poll,
		now:      time.Now,
		logger:   logger,
		byID:     map[string]AccountHealth{},
		forceCh:  make(chan struct{}, 1),
	}
}

// OnChange registers a callback run after each check pass that changed a
// snapshot.
func (c *AccountHealthChecker) OnChange(fn func()) {
	if c == nil {
		return
	}
	c.onChange = fn
}

func (c *AccountHealthChecker) Run(ctx context.Context) {
	if c == nil || c.pool == nil {
		return
	}
	c.checkOnce(ctx, false)
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.checkOnce(ctx, false)
		case <-c.forceCh:
			c.checkOnce(ctx, true)
		}
	}
}

// Trigger asks the running loop for an immediate pass that ignores intervals.
func (c *AccountHealthChecker) Trigger() {
	if c == nil {
		return
	}
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

func (c *AccountHealthChecker) Snapshot(id string) (AccountHealth, bool) {
	if c == nil {
		return AccountHealth{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byID[id]
	return v, ok
}

// Record stores the outcome of a login made outside the checker, such as an
// admin-triggered one.
func (c *AccountHealthChecker) Record(id string, latency time.Duration, err error) {
	if c == nil || id == "" {
		return
	}
	c.mu.Lock()
	c.byID[id] = c.snapshotFor(latency, err)
	c.mu.Unlock()
}

func (c *AccountHealthChecker) snapshotFor(latency time.Duration, err error) AccountHealth {
	snap := AccountHealth{
		Status:    healthOnline,
		LoginMS:   latency.Milliseconds(),
		CheckedAt: c.now().UTC(),
	}
	if err != nil {
		snap.Status = healthOffline
		snap.Error = err.Error()
		if account.IsCredentialError(err) || deepseek.IsAuthError(err) {
			snap.Status = healthAuthProblem
		}
	}
	return snap
}

func (c *AccountHealthChecker) shouldCheck(id string, now time.Time, force bool) bool {
	if force {
		return true
	}
	c.mu.RLock()
	snap, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok || snap.CheckedAt.IsZero() {
		return true
	}
	age := now.Sub(snap.CheckedAt)
	if age < 0 {
		age = 0
	}
	if snap.Status == healthOnline {
		return age >= c.interval
	}
	return age >= c.retry
}

func (c *AccountHealthChecker) checkOnce(parent context.Context, force bool) {
	if n := c.pool.PurgeCooldowns(); n > 0 {
		c.logger.Debug("expired login cooldowns dropped", "count", n)
	}
	statuses := c.pool.Statuses()
	now := c.now()
	active := make(map[string]struct{}, len(statuses))
	changed := false
	for _, st := range statuses {
		active[st.ID] = struct{}{}
		if st.HasToken {
			c.mu.Lock()
			if prev, ok := c.byID[st.ID]; !ok || prev.Status != healthOnline {
				c.byID[st.ID] = AccountHealth{Status: healthOnline, CheckedAt: now.UTC()}
				changed = true
			}
			c.mu.Unlock()
			continue
		}
		if !c.shouldCheck(st.ID, now, force) {
			continue
		}
		start := c.now()
		ctx, cancel := context.WithTimeout(parent, accountLoginTimeout)
		_, err := c.pool.EnsureToken(ctx, st.ID)
		cancel()
		c.logger.Debug("health login", "account", st.ID, "ok", err == nil)
		snap := c.snapshotFor(c.now().Sub(start), err)
		c.mu.Lock()
		c.byID[st.ID] = snap
		c.mu.Unlock()
		changed = true
	}
	c.mu.Lock()
	for id := range c.byID {
		if _, ok := active[id]; !ok {
			delete(c.byID, id)
			changed = true
		}
	}
	c.mu.Unlock()
	if changed && c.onChange != nil {
		c.onChange()
	}
}
