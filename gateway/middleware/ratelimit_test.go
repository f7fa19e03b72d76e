package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type throttleCounter struct{ calls map[string]int }

func (c *throttleCounter) RecordThrottle(module, reason string) {
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[module+"/"+reason]++
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"rpc": {RatePerSecond: 1, Burst: 1},
	}, nil)
	recorder := &throttleCounter{}
	limiter.SetRecorder(recorder)
	handler := limiter.Middleware("rpc")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if recorder.calls["rpc/rate_limit"] != 1 {
		t.Fatalf("throttle not recorded: %v", recorder.calls)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"rpc": {RatePerSecond: 1, Burst: 1},
		"ws":  {RatePerSecond: 1, Burst: 1},
	}, nil)
	rpcHandler := limiter.Middleware("rpc")(okHandler())
	wsHandler := limiter.Middleware("ws")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	rpcHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected rpc request to succeed, got %d", res.Code)
	}

	wsReq := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	wsReq.Header.Set("X-API-Key", "tenant-A")
	wsRes := httptest.NewRecorder()
	wsHandler.ServeHTTP(wsRes, wsReq)
	if wsRes.Code != http.StatusOK {
		t.Fatalf("expected first ws request to succeed, got %d", wsRes.Code)
	}
}

func TestRateLimiterPrefersCallerOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"rpc": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("rpc")(okHandler())

	for _, caller := range [][20]byte{{0x01}, {0x02}} {
		req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		req = req.WithContext(WithCaller(req.Context(), caller))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected caller %x to have its own bucket, got %d", caller[0], res.Code)
		}
	}
}

func TestRateLimiterUnlimitedGroupPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("rpc")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/rpc", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, res.Code)
		}
	}
	if limiter.Visitors() != 0 {
		t.Fatalf("unlimited group should not track visitors")
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"rpc": {RatePerSecond: 10, Burst: 10}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("rpc")(okHandler())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		req.Header.Set("X-Real-IP", ip)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if limiter.Visitors() != 2 {
		t.Fatalf("expected 2 visitors, got %d", limiter.Visitors())
	}
	now = now.Add(10 * time.Minute)
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("X-Real-IP", "10.0.0.3")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if limiter.Visitors() != 1 {
		t.Fatalf("expected idle visitors to be swept, got %d", limiter.Visitors())
	}
}
