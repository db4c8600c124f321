package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type failingCounter struct{}

func (failingCounter) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func newRouter(counter Counter, requests int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(counter, requests, time.Minute, zap.NewNop()))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return router
}

func TestMiddlewareRejectsAfterLimit(t *testing.T) {
	router := newRouter(NewMemoryCounter(), 2)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"code":"rate_limited","message":"rate limit exceeded","status":"error"}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddlewareKeysByClient(t *testing.T) {
	router := newRouter(NewMemoryCounter(), 1)

	for _, addr := range []string{"10.0.0.1:1234", "10.0.0.2:1234"} {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("client %s: expected 200, got %d", addr, rec.Code)
		}
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	router := newRouter(failingCounter{}, 1)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected counter failure to let requests through, got %d", rec.Code)
		}
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	router := newRouter(failingCounter{}, 0)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMemoryCounterWindowExpires(t *testing.T) {
	counter := NewMemoryCounter()
	now := time.Unix(1_700_000_000, 0)
	counter.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		n, _ := counter.IncrWindow(context.Background(), "k", time.Second)
		if n != i {
			t.Fatalf("expected %d, got %d", i, n)
		}
	}

	now = now.Add(time.Second)
	n, _ := counter.IncrWindow(context.Background(), "k", time.Second)
	if n != 1 {
		t.Fatalf("expected counter reset after window, got %d", n)
	}
	if len(counter.windows) != 1 {
		t.Fatalf("expected expired windows to be swept, got %d", len(counter.windows))
	}
}
