package driver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"knife/internal/driver"
	"knife/internal/esiclient"
	"knife/internal/harvestmodel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarvest_MergesPaginationAndPreservesSeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/journal":
			page := r.URL.Query().Get("page")
			switch page {
			case "", "1":
				w.Header().Set("X-Pages", "2")
				w.Write([]byte(`[{"id":1}]`))
			case "2":
				w.Write([]byte(`[{"id":2}]`))
			}
		case "/single":
			w.Write([]byte(`{"value":true}`))
		}
	}))
	defer srv.Close()

	plan := harvestmodel.Plan{srv.URL + "/journal", srv.URL + "/single"}
	seed := harvestmodel.ResultMap{"seeded-url": "seeded-value"}

	client := esiclient.New()
	results := driver.Harvest(context.Background(), client, plan, seed, nil, 20)

	require.Contains(t, results, srv.URL+"/journal")
	assert.Equal(t, []any{
		map[string]any{"id": float64(1)},
		map[string]any{"id": float64(2)},
	}, results[srv.URL+"/journal"])
	assert.Equal(t, map[string]any{"value": true}, results[srv.URL+"/single"])
	assert.Equal(t, "seeded-value", results["seeded-url"], "seed entries must survive untouched")
	assert.Equal(t, "seeded-value", seed["seeded-url"], "Harvest must not mutate the caller's seed map")
}
