package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour, BcryptCost: 4})
}

func TestRequireCandidateJWT(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/me", RequireCandidateJWT(auth), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": GetClaims(c).UserID})
	})

	candidate, err := auth.GenerateCandidateToken(42)
	require.NoError(t, err)
	proctor, err := auth.GenerateProctorToken(1)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"candidate", "Bearer " + candidate, http.StatusOK},
		{"proctor", "Bearer " + proctor, http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + candidate, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestRequireProctorWSAuth(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/ws", RequireProctorWSAuth(auth), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	proctor, _ := auth.GenerateProctorToken(3)
	candidate, _ := auth.GenerateCandidateToken(3)

	for token, want := range map[string]int{
		proctor:   http.StatusNoContent,
		candidate: http.StatusForbidden,
		"":        http.StatusUnauthorized,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
		assert.Equal(t, want, w.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute, func(c *gin.Context) string { return c.GetHeader("X-User") })
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.POST("/start", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	hit := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/start", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("a"))
	assert.Equal(t, http.StatusOK, hit("a"))
	assert.Equal(t, http.StatusTooManyRequests, hit("a"))
	assert.Equal(t, http.StatusOK, hit("b"))

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, hit("a"))

	now = now.Add(10 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.visitors)
}

type memLedger struct {
	mu       sync.Mutex
	entries  map[string][]byte
	released []string
	claimErr error
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string][]byte)}
}

func (l *memLedger) Claim(_ context.Context, scope, key string) (service.ClaimState, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return service.ClaimAcquired, nil, l.claimErr
	}
	body, ok := l.entries[scope+"/"+key]
	switch {
	case !ok:
		l.entries[scope+"/"+key] = nil
		return service.ClaimAcquired, nil, nil
	case body == nil:
		return service.ClaimInFlight, nil, nil
	}
	return service.ClaimReplay, body, nil
}

func (l *memLedger) Complete(_ context.Context, scope, key string, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[scope+"/"+key] = append([]byte(nil), body...)
	return nil
}

func (l *memLedger) Release(_ context.Context, scope, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, scope+"/"+key)
	l.released = append(l.released, key)
	return nil
}

func idempotentRouter(ledger RequestLedger, status *int, calls *int) *gin.Engine {
	r := gin.New()
	g := r.Group("/attempts/:attempt_id", Idempotency(ledger, zerolog.Nop()))
	g.POST("/answers", func(c *gin.Context) {
		*calls++
		c.JSON(*status, gin.H{"n": *calls})
	})
	return r
}

func post(r http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/attempts/abc/answers", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(model.IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotencyReplaysCompletedRequest(t *testing.T) {
	ledger := newMemLedger()
	status, calls := http.StatusOK, 0
	r := idempotentRouter(ledger, &status, &calls)

	first := post(r, "k1")
	second := post(r, "k1")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	post(r, "k2")
	post(r, "")
	assert.Equal(t, 3, calls)
}

func TestIdempotencyRefusesInFlightDuplicate(t *testing.T) {
	ledger := newMemLedger()
	ledger.entries["abc/k1"] = nil
	status, calls := http.StatusOK, 0
	r := idempotentRouter(ledger, &status, &calls)

	w := post(r, "k1")
	assert.Equal(t, http.StatusTooEarly, w.Code)
	assert.Zero(t, calls)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "DUPLICATE_REQUEST_IN_FLIGHT", body["error"].(map[string]interface{})["code"])
}

func TestIdempotencyReleasesFailedRequest(t *testing.T) {
	ledger := newMemLedger()
	status, calls := http.StatusInternalServerError, 0
	r := idempotentRouter(ledger, &status, &calls)

	assert.Equal(t, http.StatusInternalServerError, post(r, "k1").Code)
	assert.Equal(t, []string{"k1"}, ledger.released)

	status = http.StatusOK
	assert.Equal(t, http.StatusOK, post(r, "k1").Code)
	assert.Equal(t, 2, calls)
}

func TestIdempotencyFailsOpen(t *testing.T) {
	ledger := newMemLedger()
	ledger.claimErr = errors.New("redis down")
	status, calls := http.StatusOK, 0
	r := idempotentRouter(ledger, &status, &calls)

	post(r, "k1")
	post(r, "k1")
	assert.Equal(t, 2, calls)
}

func TestBrotliCompressesLargeJSON(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	large := strings.Repeat("candidate ", 400)
	r.GET("/big", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"text": large}) })
	r.GET("/small", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/plain", func(c *gin.Context) { c.String(http.StatusOK, large) })

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "gzip, br;q=1.0")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	big := get("/big")
	require.Equal(t, "br", big.Header().Get("Content-Encoding"))
	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(big.Body.Bytes())))
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(decoded, &payload))
	assert.Equal(t, large, payload["text"])

	small := get("/small")
	assert.Empty(t, small.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"ok":true}`, small.Body.String())

	plain := get("/plain")
	assert.Empty(t, plain.Header().Get("Content-Encoding"))
	assert.Equal(t, large, plain.Body.String())
}
