package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pulseboard/ingest/internal/config"
)

func testSource(endpoint string) config.SourceConfig {
	return config.SourceConfig{
		ID:         "activities",
		Endpoint:   endpoint,
		Entity:     "activities",
		Cadence:    "60s",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RateLimit:  1000,
		RateBurst:  1000,
		PageSize:   2,
	}
}

func collectPayloads(t *testing.T, it *PayloadIterator) []*RawPayload {
	t.Helper()
	var payloads []*RawPayload
	for it.Next() {
		payloads = append(payloads, it.Value())
	}
	return payloads
}

func TestFetcher_WalksPagesUntilEmpty(t *testing.T) {
	pages := map[string]string{
		"1": `[{"id": 1}, {"id": 2}]`,
		"2": `[{"id": 3}, {"id": 4}]`,
		"3": `[{"id": 5}]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		body, ok := pages[r.URL.Query().Get("page")]
		if !ok {
			body = `[]`
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	source := testSource(srv.URL)
	fetcher, err := NewFetcher(source, zaptest.NewLogger(t))
	require.NoError(t, err)

	it := fetcher.Fetch(context.Background(), "")
	defer it.Close()
	payloads := collectPayloads(t, it)
	require.NoError(t, it.Err())

	// Page 3 is short, ending the walk without a fourth request.
	require.Len(t, payloads, 3)
	for _, p := range payloads {
		assert.Equal(t, "activities", p.SourceID)
		assert.NotEmpty(t, p.Fingerprint)
		assert.False(t, p.FetchedAt.IsZero())
	}
}

func TestFetcher_AppliesCheckpointCursor(t *testing.T) {
	var gotAfter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAfter = r.URL.Query().Get("after")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(testSource(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	it := fetcher.Fetch(context.Background(), "1700000000")
	defer it.Close()
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
	assert.Equal(t, "1700000000", gotAfter)
}

func TestFetcher_EmptyFirstPageYieldsNoPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(testSource(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	it := fetcher.Fetch(context.Background(), "")
	defer it.Close()
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	assert.Nil(t, it.Value())
}

func TestFetcher_SurfacesFetchErrorAfterPartialWalk(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"id": 1}, {"id": 2}]`))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(testSource(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	it := fetcher.Fetch(context.Background(), "")
	defer it.Close()
	payloads := collectPayloads(t, it)

	assert.Len(t, payloads, 1)
	require.Error(t, it.Err())
	assert.True(t, IsTransient(it.Err()))
	assert.Equal(t, 1, it.Pages())
}

func TestFetcher_SinglePageSource(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "username": "runner"})
	}))
	defer srv.Close()

	source := testSource(srv.URL)
	source.PageSize = 0 // singleton resource
	fetcher, err := NewFetcher(source, zaptest.NewLogger(t))
	require.NoError(t, err)

	it := fetcher.Fetch(context.Background(), "")
	defer it.Close()
	payloads := collectPayloads(t, it)
	require.NoError(t, it.Err())
	require.Len(t, payloads, 1)
	assert.Equal(t, 1, calls)
}

func TestFingerprint_IsStablePerContent(t *testing.T) {
	a := Fingerprint([]byte(`[{"id": 1}]`))
	b := Fingerprint([]byte(`[{"id": 1}]`))
	c := Fingerprint([]byte(`[{"id": 2}]`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestPagePaginator_CarriesExtraParams(t *testing.T) {
	var pageURLs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageURLs = append(pageURLs, r.URL.RawQuery)
		fmt.Fprint(w, `[{"id": 1}, {"id": 2}]`)
		if len(pageURLs) >= 2 {
			// Avoid an endless walk in case of regression.
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(testSource(srv.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	it := fetcher.Fetch(context.Background(), "42")
	it.Next()
	it.Next()
	it.Close()

	for _, q := range pageURLs {
		assert.Contains(t, q, "after=42")
	}
}
