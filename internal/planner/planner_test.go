package planner_test

import (
	"testing"

	"knife/internal/harvestmodel"
	"knife/internal/planner"
	"knife/internal/specs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func charOp(requiredRoles []any, requiredScopes []any) map[string]any {
	return map[string]any{
		"x-required-roles": requiredRoles,
		"security":         []any{map[string]any{"evesso": requiredScopes}},
		"parameters": []any{
			map[string]any{"in": "path", "name": "character_id"},
		},
	}
}

func baseDoc() specs.Document {
	return specs.Document{
		"basePath": "/latest",
		"paths": map[string]any{
			"/characters/{character_id}/": map[string]any{
				"get": charOp(nil, []any{"esi-characters.read.v1"}),
			},
			"/characters/{character_id}/contracts/{contract_id}/": map[string]any{
				"get": map[string]any{
					"x-required-roles": []any{},
					"security":         []any{map[string]any{"evesso": []any{}}},
					"parameters": []any{
						map[string]any{"in": "path", "name": "character_id"},
						map[string]any{"in": "path", "name": "contract_id"},
					},
				},
			},
			"/characters/{character_id}/search/": map[string]any{
				"get": charOp(nil, []any{}),
			},
			"/corporations/{corporation_id}/starbases/": map[string]any{
				"get": map[string]any{
					"x-required-roles": []any{"Director"},
					"security":         []any{map[string]any{"evesso": []any{}}},
					"parameters": []any{
						map[string]any{"in": "path", "name": "corporation_id"},
					},
				},
			},
		},
	}
}

func TestBuild_SubstitutesKnownAndExcludesIgnored(t *testing.T) {
	doc := baseDoc()
	known := harvestmodel.KnownParams{"character_id": 42}
	pools := harvestmodel.ParamPools{}

	plan, err := planner.Build(doc, []string{"esi-characters.read.v1"}, nil, known, pools, "https://esi.evetech.net")
	require.NoError(t, err)

	assert.Contains(t, plan, "https://esi.evetech.net/latest/characters/42/")
	for _, url := range plan {
		assert.NotContains(t, url, "/search/", "ignore list must never be emitted")
	}
}

func TestBuild_FansOutOverPool(t *testing.T) {
	doc := baseDoc()
	known := harvestmodel.KnownParams{"character_id": 42}
	pools := harvestmodel.ParamPools{}
	pools.Set("character_id", "contract_id", []int64{1, 2, 3})

	plan, err := planner.Build(doc, nil, nil, known, pools, "https://esi.evetech.net")
	require.NoError(t, err)

	assert.Contains(t, plan, "https://esi.evetech.net/latest/characters/42/contracts/1/")
	assert.Contains(t, plan, "https://esi.evetech.net/latest/characters/42/contracts/2/")
	assert.Contains(t, plan, "https://esi.evetech.net/latest/characters/42/contracts/3/")
}

func TestBuild_NPCCorpExclusion(t *testing.T) {
	doc := baseDoc()
	known := harvestmodel.KnownParams{"character_id": 42} // corporation_id deliberately absent
	pools := harvestmodel.ParamPools{}

	plan, err := planner.Build(doc, nil, []string{"Director"}, known, pools, "https://esi.evetech.net")
	require.NoError(t, err)

	for _, url := range plan {
		assert.NotContains(t, url, "starbases", "no corporation_id known means no corporation-rooted route can be planned")
	}
}

func TestBuild_MissingRoleExcludesRoute(t *testing.T) {
	doc := baseDoc()
	known := harvestmodel.KnownParams{"character_id": 42, "corporation_id": 98000001}
	pools := harvestmodel.ParamPools{}

	plan, err := planner.Build(doc, nil, nil, known, pools, "https://esi.evetech.net")
	require.NoError(t, err)

	for _, url := range plan {
		assert.NotContains(t, url, "starbases", "missing the Director role must exclude the route")
	}
}
