// Package planner implements C3: given scopes, roles, a resolved spec, the
// set of already-known path parameters, and the fan-out pools C4
// populated, it emits every concrete URL the access token may legally
// call. It makes no network calls and mutates nothing it is handed.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"knife/internal/harvestmodel"
	"knife/internal/specs"
)

// ignored routes are never planned regardless of role/scope, verbatim
// from the original's hard-coded exclusion list.
var ignored = map[string]bool{
	"/loyalty/stores/{corporation_id}/offers/":                     true,
	"/characters/{character_id}/search/":                           true,
	"/corporations/{corporation_id}/contracts/{contract_id}/bids/":  true,
	"/corporations/{corporation_id}/contracts/{contract_id}/items/": true,
	"/characters/{character_id}/opportunities/":                     true,
}

// paramSet is one concrete binding of path-parameter name to ID, built up
// incrementally by the Cartesian-product fold.
type paramSet map[string]int64

func (p paramSet) clone() paramSet {
	out := make(paramSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Build emits the set of fully-substituted URLs scopes/roles authorize,
// given knownParams (e.g. character_id, corporation_id, alliance_id) and
// pools (the expander's populated fan-out ID lists). baseURL is the
// scheme+host prepended to the spec's basePath and the substituted route
// (e.g. "https://esi.evetech.net").
func Build(doc specs.Document, scopes, roles []string, known harvestmodel.KnownParams, pools harvestmodel.ParamPools, baseURL string) (harvestmodel.Plan, error) {
	basePath, _ := doc["basePath"].(string)
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("spec document has no paths object")
	}

	scopeSet := toSet(scopes)
	roleSet := toSet(roles)

	var plan harvestmodel.Plan

	routes := make([]string, 0, len(paths))
	for route := range paths {
		routes = append(routes, route)
	}
	sort.Strings(routes) // deterministic ordering for tests and reproducibility

	for _, route := range routes {
		if ignored[route] {
			continue
		}

		methods, _ := paths[route].(map[string]any)
		operRaw, ok := methods["get"]
		if !ok {
			continue
		}
		oper, _ := operRaw.(map[string]any)
		if oper == nil {
			continue
		}

		if !rolesSatisfied(oper, roleSet) || !scopesSatisfied(oper, scopeSet) {
			continue
		}

		pathParams := pathParamNames(oper)

		base := paramSet{}
		var unknown []string
		for _, name := range pathParams {
			if id, ok := known[name]; ok {
				base[name] = id
			} else {
				unknown = append(unknown, name)
			}
		}

		fanOut := map[string][]int64{}
		for _, paramName := range unknown {
			found := false
			for knownName := range base {
				if ids, ok := pools.Get(knownName, paramName); ok {
					fanOut[paramName] = ids
					found = true
					break
				}
			}
			if !found {
				break
			}
		}
		if len(fanOut) != len(unknown) {
			continue // some unknown path param has no pool; route is unreachable
		}

		var sets []paramSet
		if len(fanOut) > 0 {
			sets = []paramSet{base}
			for param, ids := range fanOut {
				sets = flatMap(sets, param, ids)
			}
		} else if len(base) > 0 {
			sets = []paramSet{base}
		} else {
			continue // pure-static route with no applicable parameters
		}

		for _, set := range sets {
			url, err := substitute(route, set)
			if err != nil {
				continue
			}
			plan = append(plan, fmt.Sprintf("%s%s%s", baseURL, basePath, url))
		}
	}

	return plan, nil
}

// flatMap implements the pure fold from the design notes: product :=
// [known]; for each (param, pool): product := flatmap(product, s => [s ⊕
// {param:id} for id in pool]).
func flatMap(sets []paramSet, param string, ids []int64) []paramSet {
	out := make([]paramSet, 0, len(sets)*len(ids))
	for _, s := range sets {
		for _, id := range ids {
			next := s.clone()
			next[param] = id
			out = append(out, next)
		}
	}
	return out
}

func substitute(route string, set paramSet) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(route) {
		if route[i] == '{' {
			end := strings.IndexByte(route[i:], '}')
			if end == -1 {
				return "", fmt.Errorf("unterminated path parameter in %q", route)
			}
			name := route[i+1 : i+end]
			id, ok := set[name]
			if !ok {
				return "", fmt.Errorf("no value for path parameter %q", name)
			}
			fmt.Fprintf(&b, "%d", id)
			i += end + 1
		} else {
			b.WriteByte(route[i])
			i++
		}
	}
	return b.String(), nil
}

func pathParamNames(oper map[string]any) []string {
	params, _ := oper["parameters"].([]any)
	var names []string
	for _, p := range params {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if in, _ := pm["in"].(string); in == "path" {
			if name, ok := pm["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func rolesSatisfied(oper map[string]any, roles map[string]bool) bool {
	required, _ := oper["x-required-roles"].([]any)
	for _, r := range required {
		name, _ := r.(string)
		if !roles[name] {
			return false
		}
	}
	return true
}

func scopesSatisfied(oper map[string]any, scopes map[string]bool) bool {
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
