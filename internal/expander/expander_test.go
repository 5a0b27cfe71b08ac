package expander_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"knife/internal/esiclient"
	"knife/internal/expander"
	"knife/internal/harvestmodel"
	"knife/internal/specs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand_AppliesExtractorAndSeedsResultMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/characters/42/contracts/":
			w.Write([]byte(`[{"contract_id":1},{"contract_id":2}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	doc := specs.Document{
		"basePath": "/latest",
		"paths": map[string]any{
			"/characters/{character_id}/contracts/": map[string]any{
				"get": map[string]any{
					"x-required-roles": []any{},
					"security":         []any{map[string]any{"evesso": []any{}}},
					"parameters":       []any{map[string]any{"in": "path", "name": "character_id"}},
				},
			},
		},
	}

	templates := harvestmodel.ParamTemplates{
		"character_id": {"contract_id": "/characters/{character_id}/contracts/"},
	}
	known := harvestmodel.KnownParams{"character_id": 42}

	pools, seed, err := expander.Expand(context.Background(), esiclient.New(), doc, nil, nil, known, templates, nil, 20, srv.URL)
	require.NoError(t, err)

	ids, ok := pools.Get("character_id", "contract_id")
	require.True(t, ok)
	assert.ElementsMatch(t, []int64{1, 2}, ids)
	assert.Len(t, seed, 1)
}
