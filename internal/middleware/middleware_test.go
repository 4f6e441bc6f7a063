package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/authcore/server/internal/auth"
	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/model"
	"github.com/authcore/server/internal/repo"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type verifierFunc func(string) (auth.Claims, error)

func (f verifierFunc) VerifyToken(token string) (auth.Claims, error) { return f(token) }

func okHandler(t *testing.T, wantID uuid.UUID) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := GetAccount(r.Context())
		if assert.True(t, ok) {
			assert.Equal(t, wantID, account.ID)
		}
		id, ok := GetAccountID(r.Context())
		assert.True(t, ok)
		assert.Equal(t, wantID, id)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware(t *testing.T) {
	users := repo.NewMemoryUserRepo()
	account, err := users.Create(context.Background(), model.NewAccount{Email: "a@x.com"})
	require.NoError(t, err)
	ghost := uuid.New()

	verifier := verifierFunc(func(tok string) (auth.Claims, error) {
		switch tok {
		case "good":
			return auth.Claims{AccountID: account.ID}, nil
		case "ghost":
			return auth.Claims{AccountID: ghost}, nil
		case "expired":
			return auth.Claims{}, auth.ErrTokenExpired
		default:
			return auth.Claims{}, auth.ErrTokenInvalid
		}
	})

	core, logs := observer.New(zapcore.DebugLevel)
	mw := AuthMiddleware(verifier, users, zap.New(core))
	h := mw(okHandler(t, account.ID))

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"valid", "Bearer good", http.StatusNoContent, ""},
		{"lowercase scheme", "bearer good", http.StatusNoContent, ""},
		{"missing header", "", http.StatusUnauthorized, "token_invalid"},
		{"wrong scheme", "Basic good", http.StatusUnauthorized, "token_invalid"},
		{"empty token", "Bearer  ", http.StatusUnauthorized, "token_invalid"},
		{"expired", "Bearer expired", http.StatusUnauthorized, "token_expired"},
		{"invalid", "Bearer forged", http.StatusUnauthorized, "token_invalid"},
		{"unknown account", "Bearer ghost", http.StatusUnauthorized, "token_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Contains(t, rec.Body.String(), `"code":"`+tt.code+`"`)
			}
		})
	}

	assert.Equal(t, 1, logs.FilterMessage("expired token rejected").Len())
	assert.Equal(t, zapcore.DebugLevel, logs.FilterMessage("expired token rejected").All()[0].Level)
	assert.Equal(t, zapcore.WarnLevel, logs.FilterMessage("invalid token rejected").All()[0].Level)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clk := clock.NewManual(epoch)
	rl := NewRateLimiter(10*time.Minute, 3, clk)
	defer rl.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		clk.Advance(time.Minute)
	}
	ok, _ := rl.Allow(ctx, "k")
	assert.False(t, ok, "fourth request inside window")

	ok, _ = rl.Allow(ctx, "other")
	assert.True(t, ok, "keys are independent")

	// First request leaves the window.
	clk.Advance(7*time.Minute + time.Second)
	ok, _ = rl.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clk := clock.NewManual(epoch)
	rl := NewRateLimiter(time.Minute, 5, clk)
	defer rl.Stop()

	_, _ = rl.Allow(context.Background(), "a")
	_, _ = rl.Allow(context.Background(), "b")
	assert.Equal(t, 2, rl.size())

	clk.Advance(2 * time.Minute)
	rl.cleanup()
	assert.Equal(t, 0, rl.size())

	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 10, clock.NewManual(epoch))
	defer rl.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Allow(context.Background(), "k"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

type limiterFunc func(context.Context, string) (bool, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (bool, error) { return f(ctx, key) }

func TestRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	var seen string
	deny := RateLimitMiddleware(limiterFunc(func(_ context.Context, key string) (bool, error) {
		seen = key
		return false, nil
	}), GetIPKey, zap.NewNop())(next)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	rec := httptest.NewRecorder()
	deny.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
	assert.Equal(t, "ip:10.0.0.7", seen)

	failOpen := RateLimitMiddleware(limiterFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("redis down")
	}), GetIPKey, zap.NewNop())(next)
	rec = httptest.NewRecorder()
	failOpen.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIPAndKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.Header.Set("X-Real-IP", "203.0.113.6")
	assert.Equal(t, "192.0.2.1", ClientIP(req), "forwarding headers alone never change the key")
	assert.Equal(t, "ip:192.0.2.1", GetIPKey(req))

	assert.Equal(t, "contact:a@x.com", GetContactKey(" A@X.com "))
}

func TestRateLimitMiddleware_SpoofedForwardingShareOneBudget(t *testing.T) {
	rl := NewRateLimiter(10*time.Minute, 3, clock.NewManual(epoch))
	defer rl.Stop()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RealIP(nil)(RateLimitMiddleware(rl, GetIPKey, zap.NewNop())(next))

	allowed := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "198.51.100.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.18.0.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestParseTrustedProxies(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	assert.True(t, tp.contains("10.1.2.3"))
	assert.True(t, tp.contains("192.0.2.10"))
	assert.True(t, tp.contains("::ffff:10.9.9.9"))
	assert.True(t, tp.contains("2001:db8::1"))
	assert.False(t, tp.contains("192.0.2.11"))
	assert.False(t, tp.contains("not-an-ip"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestRealIP(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	var seen string
	h := RealIP(tp)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIP(r)
	}))

	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"untrusted peer ignores headers", "198.51.100.9:1", "203.0.113.5", "203.0.113.6", "198.51.100.9"},
		{"trusted peer uses last untrusted hop", "10.0.0.2:1", "1.1.1.1, 203.0.113.5, 10.0.0.3", "", "203.0.113.5"},
		{"trusted peer with only proxies keeps socket", "10.0.0.2:1", "10.0.0.4, 10.0.0.3", "", "10.0.0.2"},
		{"trusted peer with bad hop keeps socket", "10.0.0.2:1", "203.0.113.5, garbage", "", "10.0.0.2"},
		{"trusted peer falls back to X-Real-IP", "10.0.0.2:1", "", "203.0.113.6", "203.0.113.6"},
		{"trusted peer without headers", "10.0.0.2:1", "", "", "10.0.0.2"},
		{"ipv6 client", "10.0.0.2:1", "2001:db8::7", "", "2001:db8::7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestRedisLimiter_BucketKey(t *testing.T) {
	l := NewRedisLimiter(nil, "rl", 10*time.Minute, 3, clock.NewManual(epoch))
	k1 := l.bucketKey("ip:1", epoch)
	assert.Equal(t, k1, l.bucketKey("ip:1", epoch.Add(5*time.Minute)))
	assert.NotEqual(t, k1, l.bucketKey("ip:1", epoch.Add(10*time.Minute)))
	assert.Contains(t, k1, "rl:ip:1:")
}

func TestRedisLimiter_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLimiter(client, "test-"+uuid.NewString(), 24*time.Hour, 2, clock.System())
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(200), entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(404), entries[1].ContextMap()["status"])
}
