package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestCountsByModelAndStatus(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("deepseek-chat", 200, true, time.Second)
	c.RecordRequest("deepseek-chat", 200, false, time.Second)
	c.RecordRequest("", 401, false, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("deepseek-chat", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("unknown", "401")))
}

func TestHooks(t *testing.T) {
	c := NewCollector()
	c.ObserveUpstream("login", 200, 10*time.Millisecond)
	c.ObserveUpstream("completion", 0, time.Second)
	c.RecordLogin("a@example.com", nil)
	c.RecordLogin("a@example.com", errors.New("rejected"))
	c.RecordPow("ok")
	c.RecordTokens("deepseek-reasoner", 10, 20, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamTotal.WithLabelValues("completion", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loginsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.powTotal.WithLabelValues("ok")))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.tokensTotal.WithLabelValues("deepseek-reasoner", "completion")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.tokensTotal.WithLabelValues("deepseek-reasoner", "reasoning")))
}

func TestStreamGauge(t *testing.T) {
	c := NewCollector()
	done := c.StreamStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeStreams))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeStreams))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordRequest("m", 200, false, time.Second)
	c.ObserveUpstream("login", 200, time.Second)
	c.RecordLogin("x", nil)
	c.RecordPow("ok")
	c.RecordTokens("m", 1, 1, 1)
	c.StreamStarted()()
	assert.Nil(t, c.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordPow("no_solution")
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `ds2api_pow_attempts_total{result="no_solution"} 1`))
	assert.True(t, strings.Contains(string(b), "go_goroutines"))
}
