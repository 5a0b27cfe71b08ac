package esiclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"knife/internal/esiclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := esiclient.New()
	pages, finalURL, result := c.Fetch(context.Background(), srv.URL, http.MethodGet, nil, nil, 0)

	require.True(t, result.OK())
	assert.JSONEq(t, `{"ok":true}`, string(result.Body()))
	assert.Equal(t, srv.URL, finalURL)
	assert.False(t, pages.HasPage)
	assert.Empty(t, pages.Remaining)
}

func TestFetch_PaginationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pages", "3")
		w.Write([]byte(`[1]`))
	}))
	defer srv.Close()

	c := esiclient.New()
	pages, _, result := c.Fetch(context.Background(), srv.URL, http.MethodGet, nil, nil, 0)

	require.True(t, result.OK())
	assert.Equal(t, []int{2, 3}, pages.Remaining)
}

func TestFetch_ExplicitPageSkipsPaginationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("X-Pages", "5")
		w.Write([]byte(`[2]`))
	}))
	defer srv.Close()

	c := esiclient.New()
	pages, finalURL, result := c.Fetch(context.Background(), srv.URL, http.MethodGet, nil, nil, 2)

	require.True(t, result.OK())
	assert.True(t, pages.HasPage)
	assert.Equal(t, 2, pages.Page)
	assert.Empty(t, pages.Remaining)
	assert.Contains(t, finalURL, "page=2")
}

func TestFetch_ErrorLimitBackoffThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-Esi-Error-Limit-Reset", "0")
			w.WriteHeader(420)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := esiclient.New()
	start := time.Now()
	_, _, result := c.Fetch(context.Background(), srv.URL, http.MethodGet, nil, nil, 0)
	elapsed := time.Since(start)

	require.True(t, result.OK())
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, elapsed, time.Second, "must wait out the error-limit window before retrying")
	assert.False(t, c.ErrorLimited(), "flag clears once the window passes")
}

func TestFetch_NonRetryableErrorReturnsErrResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`not found`))
	}))
	defer srv.Close()

	c := esiclient.New()
	_, _, result := c.Fetch(context.Background(), srv.URL, http.MethodGet, nil, nil, 0)

	require.False(t, result.OK())
	assert.Equal(t, http.StatusNotFound, result.Status())
	assert.Contains(t, result.String(), strconv.Itoa(http.StatusNotFound))
}
