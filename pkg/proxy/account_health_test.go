package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/logutil"
)

type fakeTokenPool struct {
	mu       sync.Mutex
	statuses []account.Status
	errs     map[string]error
	calls    map[string]int
	purges   int
}

func (p *fakeTokenPool) PurgeCooldowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purges++
	return 0
}

func (p *fakeTokenPool) Statuses() []account.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]account.Status(nil), p.statuses...)
}

func (p *fakeTokenPool) EnsureToken(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[id]++
	if err := p.errs[id]; err != nil {
		return "", err
	}
	return "tok-" + id, nil
}

func (p *fakeTokenPool) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func newTestChecker(pool tokenPool, now *time.Time) *AccountHealthChecker {
	c := NewAccountHealthChecker(pool, time.Hour, time.Minute, logutil.Discard())
	c.now = func() time.Time { return *now }
	return c
}

func TestHealthCheckerMarksTokenHoldersOnline(t *testing.T) {
	pool := &fakeTokenPool{statuses: []account.Status{{ID: "a", HasToken: true}}}
	now := time.Unix(1000, 0)
	c := newTestChecker(pool, &now)
	c.checkOnce(context.Background(), false)

	snap, ok := c.Snapshot("a")
	if !ok || snap.Status != healthOnline {
		t.Fatalf("expected online snapshot, got %+v ok=%v", snap, ok)
	}
	if n := pool.callCount("a"); n != 0 {
		t.Fatalf("expected no login for an account with a token, got %d", n)
	}
}

func TestHealthCheckerLogsInTokenlessAccounts(t *testing.T) {
	pool := &fakeTokenPool{
		statuses: []account.Status{{ID: "good"}, {ID: "bad"}, {ID: "flaky"}},
		errs: map[string]error{
			"bad":   &account.LoginRejectedError{Message: "wrong password"},
			"flaky": errors.New("connection reset"),
		},
	}
	now := time.Unix(1000, 0)
	c := newTestChecker(pool, &now)
	changes := 0
	c.OnChange(func() { changes++ })
	c.checkOnce(context.Background(), false)

	want := map[string]string{"good": healthOnline, "bad": healthAuthProblem, "flaky": healthOffline}
	for id, status := range want {
		snap, ok := c.Snapshot(id)
		if !ok || snap.Status != status {
			t.Fatalf("%s: expected %q, got %+v", id, status, snap)
		}
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}
}

func TestHealthCheckerRetryAndIntervalGates(t *testing.T) {
	pool := &fakeTokenPool{
		statuses: []account.Status{{ID: "ok"}, {ID: "down"}},
		errs:     map[string]error{"down": errors.New("timeout")},
	}
	now := time.Unix(1000, 0)
	c := newTestChecker(pool, &now)
	c.checkOnce(context.Background(), false)

	now = now.Add(30 * time.Second)
	c.checkOnce(context.Background(), false)
	if pool.callCount("down") != 1 || pool.callCount("ok") != 1 {
		t.Fatalf("expected no re-check inside the retry window, calls=%v", pool.calls)
	}

	now = now.Add(31 * time.Second)
	c.checkOnce(context.Background(), false)
	if pool.callCount("down") != 2 {
		t.Fatalf("expected failed account to be retried, calls=%d", pool.callCount("down"))
	}
	if pool.callCount("ok") != 1 {
		t.Fatalf("expected healthy account to wait for the interval, calls=%d", pool.callCount("ok"))
	}

	c.checkOnce(context.Background(), true)
	if pool.callCount("ok") != 2 {
		t.Fatalf("expected forced pass to re-check, calls=%d", pool.callCount("ok"))
	}
}

func TestHealthCheckerDropsRemovedAccounts(t *testing.T) {
	pool := &fakeTokenPool{statuses: []account.Status{{ID: "a", HasToken: true}, {ID: "b", HasToken: true}}}
	now := time.Unix(1000, 0)
	c := newTestChecker(pool, &now)
	c.checkOnce(context.Background(), false)

	pool.mu.Lock()
	pool.statuses = pool.statuses[:1]
	pool.mu.Unlock()
	c.checkOnce(context.Background(), false)
	if _, ok := c.Snapshot("b"); ok {
		t.Fatal("expected snapshot of removed account to be dropped")
	}
}

func TestHealthCheckerRecord(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestChecker(&fakeTokenPool{}, &now)
	c.Record("a", 1500*time.Millisecond, nil)
	snap, _ := c.Snapshot("a")
	if snap.Status != healthOnline || snap.LoginMS != 1500 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	c.Record("a", 0, account.ErrInvalidCredentials)
	if snap, _ := c.Snapshot("a"); snap.Status != healthAuthProblem || snap.Error == "" {
		t.Fatalf("unexpected snapshot after credential error: %+v", snap)
	}

	var nilChecker *AccountHealthChecker
	nilChecker.Record("a", 0, nil)
	nilChecker.Trigger()
	if _, ok := nilChecker.Snapshot("a"); ok {
		t.Fatal("nil checker must report no snapshot")
	}
}

func TestHealthCheckerRunStopsWithContext(t *testing.T) {
	pool := &fakeTokenPool{statuses: []account.Status{{ID: "a"}}}
	c := NewAccountHealthChecker(pool, time.Hour, time.Minute, logutil.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for pool.callCount("a") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected initial check pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestHealthCheckerPurgesCooldownsEachPass(t *testing.T) {
	pool := &fakeTokenPool{}
	now := time.Unix(1000, 0)
	c := newTestChecker(pool, &now)
	c.checkOnce(context.Background(), false)
	c.checkOnce(context.Background(), false)
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.purges != 2 {
		t.Fatalf("expected a cooldown purge per pass, got %d", pool.purges)
	}
}

func TestHealthCheckerTriggerSkipsRetryInterval(t *testing.T) {
	pool := &fakeTokenPool{
		statuses: []account.Status{{ID: "a"}},
		errs:     map[string]error{"a": errors.New("connection reset")},
	}
	c := NewAccountHealthChecker(pool, time.Hour, time.Hour, logutil.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForCalls := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for pool.callCount("a") < n {
			if time.Now().After(deadline) {
				t.Fatalf("expected %d login attempts, got %d", n, pool.callCount("a"))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitForCalls(1)
	c.Trigger()
	waitForCalls(2)
}
