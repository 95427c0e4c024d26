package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func countingHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"n":` + strconv.Itoa(int(n)) + `}`))
	})
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/mandates/intents", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMiddleware_Replay(t *testing.T) {
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(countingHandler(&calls))

	first := post(h, "k1", `{"a":1}`)
	second := post(h, "k1", `{"a":1}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	assert.Equal(t, int32(1), calls.Load())

	post(h, "", `{"a":1}`)
	post(h, "", `{"a":1}`)
	assert.Equal(t, int32(3), calls.Load())
}

func TestIdempotencyMiddleware_KeyReuseWithDifferentBody(t *testing.T) {
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(countingHandler(&calls))

	post(h, "k1", `{"a":1}`)
	w := post(h, "k1", `{"a":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyMiddleware_ConcurrentDuplicatesRunOnce(t *testing.T) {
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(countingHandler(&calls))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, http.StatusCreated, post(h, "k1", `{"a":1}`).Code)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyMiddleware_FailuresAreNotCached(t *testing.T) {
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		WriteProblem(w, r, http.StatusConflict, CodeInvalidState, "try again")
	}))
	post(h, "k1", `{}`)
	post(h, "k1", `{}`)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryIdempotencyStore_TTL(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewIdempotencyStore(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", &CachedResponse{StatusCode: 200, Body: []byte("x")}))
	_, ok, err := s.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Check(ctx, "k")
	assert.False(t, ok)
	s.Cleanup()
	assert.Empty(t, s.entries)
}

func TestSQLIdempotencyStore_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewSQLIdempotencyStore(db, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	_, ok, err := s.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	hdr := http.Header{"Content-Type": []string{"application/json"}}
	require.NoError(t, s.Set(ctx, "k", &CachedResponse{StatusCode: 201, Headers: hdr, Body: []byte(`{"id":"m1"}`), Fingerprint: "fp"}))

	got, ok, err := s.Check(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)
	assert.Equal(t, "application/json", got.Headers.Get("Content-Type"))
	assert.Equal(t, `{"id":"m1"}`, string(got.Body))
	assert.Equal(t, "fp", got.Fingerprint)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
