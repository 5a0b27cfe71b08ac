package resolver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"knife/internal/esiclient"
	"knife/internal/harvestmodel"
	"knife/internal/resolver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_WhitelistAndRawIDRoutes(t *testing.T) {
	results := harvestmodel.ResultMap{
		"https://esi.evetech.net/latest/characters/42/": map[string]any{
			"corporation_id": float64(98000001),
			"unrelated_id":   float64(999), // not in the whitelist
		},
		"https://esi.evetech.net/latest/characters/42/implants/": []any{float64(19540), float64(19551)},
	}

	ids := resolver.Collect(results)
	assert.ElementsMatch(t, []int64{98000001, 19540, 19551}, ids)
}

func TestAnnotate_DoesNotMutateCaller(t *testing.T) {
	original := harvestmodel.ResultMap{
		"url": map[string]any{"corporation_id": float64(1)},
	}
	names := harvestmodel.NameMap{1: "Test Corp"}

	annotated, err := resolver.Annotate(original, names)
	require.NoError(t, err)

	originalEntry := original["url"].(map[string]any)
	_, hasName := originalEntry["corporation_id_name"]
	assert.False(t, hasName, "Annotate must not mutate the original map")

	annotatedEntry := annotated["url"].(map[string]any)
	assert.Equal(t, "Test Corp", annotatedEntry["corporation_id_name"])
}

func TestAnnotate_RawIDRouteBecomesObjectList(t *testing.T) {
	results := harvestmodel.ResultMap{
		"https://esi.evetech.net/latest/characters/42/implants/": []any{float64(19540)},
	}
	names := harvestmodel.NameMap{19540: "High-grade Crystal"}

	annotated, err := resolver.Annotate(results, names)
	require.NoError(t, err)

	list := annotated["https://esi.evetech.net/latest/characters/42/implants/"].([]any)
	require.Len(t, list, 1)
	item := list[0].(map[string]any)
	assert.Equal(t, float64(19540), item["id"])
	assert.Equal(t, "High-grade Crystal", item["name"])
}

func TestResolve_AdaptiveShrinkOnBatchFailure(t *testing.T) {
	badID := int64(666)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))

		for _, id := range batch {
			if id == badID {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		entries := make([]map[string]any, len(batch))
		for i, id := range batch {
			entries[i] = map[string]any{"id": id, "name": "name"}
		}
		json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()
	t.Setenv("ESI_BASE_URL", srv.URL)

	client := esiclient.New()
	ids := []int64{1, 2, 3, badID}
	resolved := resolver.Resolve(context.Background(), client, ids, nil)

	assert.Equal(t, "name", resolved[1])
	assert.Equal(t, "name", resolved[2])
	assert.Equal(t, "name", resolved[3])
	_, badResolved := resolved[badID]
	assert.False(t, badResolved, "the single bad id should give up after a batch-size-1 retry")
}
