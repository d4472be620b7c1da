package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/psantana5/procctl/internal/supervisor"
	"github.com/psantana5/procctl/pkg/logging"
	"github.com/psantana5/procctl/pkg/ratelimit"
)

func TestCommandExecuted(t *testing.T) {
	m := New()
	m.CommandExecuted("gameserver", "Startup", "ok", 2*time.Second)
	m.CommandExecuted("gameserver", "startup", "ok", time.Second)
	m.CommandExecuted("gameserver", "Shutdown", "warning", time.Second)
	m.CommandExecuted("musicbot", strings.Repeat("x", 100), "error", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("gameserver", "startup", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("gameserver", "shutdown", "warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("musicbot", "other", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestDroppedAndReplies(t *testing.T) {
	m := New()
	m.MessageDropped("decode")
	m.MessageDropped("decode")
	m.ReplyPublished(nil)
	m.ReplyPublished(errors.New("channel closed"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replies.WithLabelValues("error")))

	m.SetConsuming(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consuming))
	m.SetConsuming(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.consuming))
}

func TestWatchState(t *testing.T) {
	m := New()
	var current atomic.Value
	current.Store(supervisor.StateOffline)
	m.WatchState("gameserver", func() supervisor.ProcessState {
		return current.Load().(supervisor.ProcessState)
	})

	current.Store(supervisor.StateOnline)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `procctl_process_state{domain="gameserver",state="online"} 1`)
	assert.Contains(t, body, `procctl_process_state{domain="gameserver",state="offline"} 0`)
	assert.Contains(t, body, `procctl_process_state{domain="gameserver",state="unmanaged"} 0`)
}

func TestSampleHost(t *testing.T) {
	m := New()
	m.sampleHost(context.Background(), logging.Discard())
	mem := testutil.ToFloat64(m.hostMemory)
	assert.Greater(t, mem, 0.0)
	assert.LessOrEqual(t, mem, 100.0)
}

func TestRouter(t *testing.T) {
	m := New()
	var ready atomic.Bool
	router := NewRouter(m, ready.Load, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready.Store(true)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.CommandExecuted("imagegen", "Status", "ok", time.Millisecond)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `procctl_commands_total{domain="imagegen",instruction="status",outcome="ok"} 1`)
}

func TestRouterRateLimited(t *testing.T) {
	m := New()
	router := NewRouter(m, func() bool { return true }, ratelimit.NewLimiter(1, 2))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}
