// Package expander implements C4: the first harvest phase. It fetches the
// "listing" endpoints that yield ID pools for dependent routes, applies
// per-endpoint extractor functions, and purges pools the token cannot
// reach (missing role or scope).
package expander

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"knife/internal/esiclient"
	"knife/internal/fetchpool"
	"knife/internal/harvestmodel"
	"knife/internal/specs"

	"golang.org/x/sync/semaphore"
)

// extractors pull the ID list out of a listing response body where the
// body isn't already a flat array of IDs, keyed by route template exactly
// per spec.md's table (mirrors the original's ADDITIONAL_PARAMS/transform
// tables in worker.py).
var extractors = map[string]func(json.RawMessage) ([]int64, error){
	"/characters/{character_id}/mail/labels/": func(body json.RawMessage) ([]int64, error) {
		var payload struct {
			Labels []struct {
				LabelID int64 `json:"label_id"`
			} `json:"labels"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		ids := make([]int64, len(payload.Labels))
		for i, l := range payload.Labels {
			ids[i] = l.LabelID
		}
		return ids, nil
	},
	"/characters/{character_id}/planets/": extractField("planet_id"),
	"/characters/{character_id}/calendar/":      extractField("event_id"),
	"/characters/{character_id}/contracts/":     extractField("contract_id"),
	"/characters/{character_id}/mail/":          extractField("mail_id"),
	"/corporations/{corporation_id}/calendar/":  extractField("event_id"),
	"/corporations/{corporation_id}/contracts/": extractField("contract_id"),
}

func extractField(field string) func(json.RawMessage) ([]int64, error) {
	return func(body json.RawMessage) ([]int64, error) {
		var items []map[string]any
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(items))
		for _, item := range items {
			v, ok := item[field]
			if !ok {
				continue
			}
			f, ok := v.(float64)
			if !ok {
				continue
			}
			ids = append(ids, int64(f))
		}
		return ids, nil
	}
}

// job pairs a listing route template (e.g.
// "/characters/{character_id}/mail/") with its parent known-param name
// (e.g. "character_id") and the child path-parameter name it fans out
// into (e.g. "mail_id"), mirroring the original's ADDITIONAL_PARAMS table.
type job struct {
	parent string
	child  string
	route  string
}

// Expand fetches every listing route in templates, applies role/scope
// gating and extractors, and returns a populated ParamPools plus a seed
// ResultMap (listing URL -> raw listing body) that becomes the driver's
// starting result set. templates is consumed, not mutated. baseURL is the
// scheme+host prepended to the spec's basePath (e.g.
// "https://esi.evetech.net").
func Expand(ctx context.Context, client *esiclient.Client, doc specs.Document, scopes, roles []string, known harvestmodel.KnownParams, templates harvestmodel.ParamTemplates, headers map[string]string, poolWidth int, baseURL string) (harvestmodel.ParamPools, harvestmodel.ResultMap, error) {
	paths, _ := doc["paths"].(map[string]any)
	basePath, _ := doc["basePath"].(string)

	scopeSet := toSet(scopes)
	roleSet := toSet(roles)

	var jobs []job
	for parent, children := range templates {
		for child, route := range children {
			jobs = append(jobs, job{parent: parent, child: child, route: route})
		}
	}

	sem := semaphore.NewWeighted(int64(poolWidth))
	var mu sync.Mutex
	pools := harvestmodel.ParamPools{}
	seed := harvestmodel.ResultMap{}

	var wg sync.WaitGroup
	for _, j := range jobs {
		operRaw, ok := pathsLookup(paths, j.route)
		if !ok {
			continue
		}
		oper, _ := operRaw["get"].(map[string]any)
		if oper == nil {
			continue
		}
		if !rolesAllowed(oper, roleSet) || !scopesAllowed(oper, scopeSet) {
			continue // purged: token cannot reach this listing route at all
		}

		parentID, ok := known[j.parent]
		if !ok {
			continue
		}

		url := fmt.Sprintf("%s%s%s", baseURL, basePath, substituteOne(j.route, j.parent, parentID))

		wg.Add(1)
		go func(j job, url string) {
			defer wg.Done()

			ids, raw, err := fetchAll(ctx, client, sem, url, j.route, headers)
			if err != nil {
				return // transform/fetch failure: pool simply stays unpopulated, harvest continues
			}
			mu.Lock()
			pools.Set(j.parent, j.child, ids)
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				seed[url] = decoded
			}
			mu.Unlock()
		}(j, url)
	}
	wg.Wait()

	return pools, seed, nil
}

// fetchAll drains all pages of a listing route via the shared fetch pool
// and returns the extracted (or raw) ID list alongside the merged raw
// JSON body.
func fetchAll(ctx context.Context, client *esiclient.Client, sem *semaphore.Weighted, url, routeTemplate string, headers map[string]string) ([]int64, json.RawMessage, error) {
	combined, first := fetchpool.FetchPaginated(ctx, client, sem, url, headers)
	if !first.OK() {
		return nil, nil, fmt.Errorf("listing fetch failed: %s", first.String())
	}

	if extractor, ok := extractors[routeTemplate]; ok {
		ids, err := extractor(combined)
		return ids, combined, err
	}

	var ids []int64
	if err := json.Unmarshal(combined, &ids); err != nil {
		return nil, nil, fmt.Errorf("listing %s is not a flat ID array and has no extractor: %w", routeTemplate, err)
	}
	return ids, combined, nil
}

func pathsLookup(paths map[string]any, route string) (map[string]any, bool) {
	raw, ok := paths[route]
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]any)
	return m, ok
}

func substituteOne(route, param string, id int64) string {
	placeholder := "{" + param + "}"
	return strings.ReplaceAll(route, placeholder, fmt.Sprintf("%d", id))
}

func rolesAllowed(oper map[string]any, roles map[string]bool) bool {
	required, _ := oper["x-required-roles"].([]any)
	for _, r := range required {
		name, _ := r.(string)
		if !roles[name] {
			return false
		}
	}
	return true
}

func scopesAllowed(oper map[string]any, scopes map[string]bool) bool {
	security, _ := oper["security"].([]any)
	if len(security) == 0 {
		return true
	}
	first, _ := security[0].(map[string]any)
	required, _ := first["evesso"].([]any)
	for _, s := range required {
		name, _ := s.(string)
		if !scopes[name] {
			return false
		}
	}
	return true
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// DefaultTemplates returns the two known-parameter fan-out tables (verbatim
// from spec.md §4.4 / original_source's ADDITIONAL_PARAMS).
func DefaultTemplates() harvestmodel.ParamTemplates {
	return harvestmodel.ParamTemplates{
		"character_id": {
			"event_id":    "/characters/{character_id}/calendar/",
			"contract_id": "/characters/{character_id}/contracts/",
			"fitting_id":  "/characters/{character_id}/fittings/",
			"label_id":    "/characters/{character_id}/mail/labels/",
			"planet_id":   "/characters/{character_id}/planets/",
			"mail_id":     "/characters/{character_id}/mail/",
		},
		"corporation_id": {
			"observer_id": "/corporation/{corporation_id}/mining/observers/",
			"contract_id": "/corporations/{corporation_id}/contracts/",
			"starbase_id": "/corporations/{corporation_id}/starbases/",
			"division":    "/corporations/{corporation_id}/wallets/",
		},
	}
}
