package specs_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"knife/internal/esiclient"
	"knife/internal/specs"
	"knife/internal/state"
	"knife/pkg/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) state.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return state.NewRedisStore(&database.Redis{Client: client}, "knife.")
}

func TestCache_RefreshResolvesRefsAndCaches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{
			"basePath": "/latest",
			"paths": {
				"/characters/{character_id}/": {"$ref": "#/definitions/CharacterRoute"}
			},
			"definitions": {
				"CharacterRoute": {"get": {"operationId": "get_characters"}}
			}
		}`))
	}))
	defer srv.Close()
	t.Setenv("ESI_BASE_URL", srv.URL)

	store := newStore(t)
	cache := specs.New(esiclient.New(), store)

	doc, err := cache.Refresh(context.Background())
	require.NoError(t, err)

	paths := doc["paths"].(map[string]any)
	route := paths["/characters/{character_id}/"].(map[string]any)
	get := route["get"].(map[string]any)
	assert.Equal(t, "get_characters", get["operationId"])
	assert.Equal(t, 1, requests)

	doc2, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc, doc2)
	assert.Equal(t, 1, requests, "second refresh within the freshness window must not re-fetch")
}
