package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func request(h http.Handler, remote string) int {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	Headers(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestUpgradeLimitBlocksAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := UpgradeLimit(ctx, 1, 3)(ok)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, request(h, "127.0.0.1:5000"), "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, request(h, "127.0.0.1:5001"), "port does not make a new client")
}

func TestUpgradeLimitSeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := UpgradeLimit(ctx, 1, 1)(ok)

	assert.Equal(t, http.StatusOK, request(h, "127.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, request(h, "127.0.0.1:2"))
	assert.Equal(t, http.StatusOK, request(h, "[::1]:1"))
}

func TestUpgradeLimitIgnoresForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := UpgradeLimit(ctx, 1, 1)(ok)

	req := func(xff string) int {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = "127.0.0.1:9"
		r.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, req("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.2"))
}

func TestUpgradeLimitDisabled(t *testing.T) {
	h := UpgradeLimit(context.Background(), 0, 0)(ok)
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, request(h, "127.0.0.1:1"))
	}
}

func TestLimitersPrune(t *testing.T) {
	l := &limiters{clients: make(map[string]*client), limit: 1, burst: 1}
	l.allow("a")
	l.allow("b")
	l.mu.Lock()
	l.clients["a"].lastSeen = time.Now().Add(-2 * staleAfter)
	l.mu.Unlock()

	l.prune(time.Now())
	assert.Equal(t, 1, l.size())
}

func TestSweepStopsWithContext(t *testing.T) {
	l := &limiters{clients: make(map[string]*client), limit: 1, burst: 1}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.sweep(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(ok, mw("outer"), mw("inner")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
