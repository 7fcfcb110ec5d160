package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(baseURL string, maxRetries int) *Client {
	return NewClient(&ClientConfig{
		BaseURL:    baseURL,
		MaxRetries: maxRetries,
		RateLimit:  1000, // effectively unlimited in tests
		RateBurst:  1000,
	})
}

func TestClient_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id": 1}]`))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, 4).Get(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.JSONEq(t, `[{"id": 1}]`, string(resp.Body))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 4).Get(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, IsPermanent(err))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.IsAuthFailure())
}

func TestClient_RetriesRateLimitResponses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 2).Get(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ExhaustsRetriesAsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 2).Get(context.Background(), "", nil)
	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, IsTransient(err))
}

func TestClient_SetsStandardHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, 1).Get(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "pulseboard-ingest/1.0", gotUA)
	assert.Equal(t, "application/json", gotAccept)
}

func TestClient_ContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(srv.URL, 5).Get(ctx, "", nil)
	require.Error(t, err)
}

func TestBackoff_GrowsAndStaysBounded(t *testing.T) {
	prevMax := backoff(0)
	for attempt := 1; attempt < 12; attempt++ {
		d := backoff(attempt)
		// Jitter allows variance; the ceiling still holds.
		assert.LessOrEqual(t, d.Seconds(), 45.0)
		if attempt <= 5 {
			assert.Greater(t, d, prevMax/4)
		}
		prevMax = d
	}
}
