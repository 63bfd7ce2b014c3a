package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shipcover/services/insurance-gateway/auth"
	"shipcover/services/insurance-gateway/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func withSubject(subject string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithSubject(r.Context(), subject)))
	})
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := withSubject("owner-1", WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, calls)
	})))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set(IdempotencyHeader, "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/api/v1/shipments")
	second := send("/api/v1/shipments")
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.Equal(t, 1, calls)

	conflict := send("/api/v1/shipments/other/claims")
	require.Equal(t, http.StatusUnprocessableEntity, conflict.Code)
	require.Equal(t, 1, calls)
}

func TestIdempotencyIsScopedToSubject(t *testing.T) {
	db := setupTestDB(t)
	inner := WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(IdempotencyHeader, "shared")
	rec := httptest.NewRecorder()
	withSubject("alice", inner).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(IdempotencyHeader, "shared")
	rec = httptest.NewRecorder()
	withSubject("mallory", inner).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := withSubject("owner-1", WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, calls)
	})))

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/shipments", strings.NewReader(body))
		req.Header.Set(IdempotencyHeader, "key-body")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusCreated, send(`{"payout":"5"}`).Code)
	changed := send(`{"payout":"500"}`)
	require.Equal(t, http.StatusUnprocessableEntity, changed.Code)
	require.Empty(t, changed.Header().Get("Idempotent-Replay"))
	require.Equal(t, 1, calls)

	var record models.IdempotencyKey
	require.NoError(t, db.First(&record, "key = ?", "key-body").Error)
	require.Len(t, record.BodyHash, 64)
	require.Equal(t, "complete", record.State)
}

func TestIdempotencyRefusesConcurrentDuplicate(t *testing.T) {
	db := setupTestDB(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	handler := withSubject("owner-1", WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(started)
		<-release
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/shipments", strings.NewReader(`{"payout":"5"}`))
		req.Header.Set(IdempotencyHeader, "key-race")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- send() }()
	<-started

	inFlight := send()
	require.Equal(t, http.StatusConflict, inFlight.Code)

	close(release)
	first := <-firstDone
	require.Equal(t, http.StatusCreated, first.Code)

	replayed := send()
	require.Equal(t, http.StatusCreated, replayed.Code)
	require.Equal(t, "true", replayed.Header().Get("Idempotent-Replay"))
	require.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyIgnoresReads(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(IdempotencyHeader, "read")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	require.Equal(t, 2, calls)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 2}, nil)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("a")
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("b")
	require.Len(t, limiter.visitors, 1)
}

func TestObservabilityCountsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObservability(reg, nil)
	handler := obs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, float64(1), testutil.ToFloat64(obs.requests.WithLabelValues("/healthz", http.MethodGet, "202")))
}
