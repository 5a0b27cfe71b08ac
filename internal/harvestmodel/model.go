// Package harvestmodel holds the typed values components exchange, so the
// planner, expander, driver, and resolver pass concrete Go types instead of
// bare maps and slices of any.
package harvestmodel

import "encoding/json"

// Plan is the ordered list of concrete URLs the driver must fetch,
// produced by the planner from a resolved spec and a populated ParamPools.
type Plan []string

// KnownParams maps a path parameter name already known at harvest start
// (character_id, corporation_id, alliance_id) to its concrete value.
type KnownParams map[string]int64

// ParamTemplates is the two-level mapping the original calls all_params
// before expansion: parent known-param name -> child param name -> the
// listing route template that yields that child's ID pool.
type ParamTemplates map[string]map[string]string

// Clone returns a deep-enough copy of t for a caller to purge entries from
// (the supervisor drops the corporation_id table before handing it to C4)
// without mutating the original template set.
func (t ParamTemplates) Clone() ParamTemplates {
	out := make(ParamTemplates, len(t))
	for parent, children := range t {
		childCopy := make(map[string]string, len(children))
		for child, route := range children {
			childCopy[child] = route
		}
		out[parent] = childCopy
	}
	return out
}

// ParamPools holds, post-expansion, the two-level mapping parent known-param
// name -> child param name -> concrete ID pool, used by the planner to fan
// out dependent routes (e.g. "character_id" -> "contract_id" -> [...]).
type ParamPools map[string]map[string][]int64

// Set records ids as the pool for parent/child, replacing any prior value.
func (p ParamPools) Set(parent, child string, ids []int64) {
	if p[parent] == nil {
		p[parent] = make(map[string][]int64)
	}
	p[parent][child] = ids
}

// Get returns the pool for parent/child and whether it exists.
func (p ParamPools) Get(parent, child string) ([]int64, bool) {
	children, ok := p[parent]
	if !ok {
		return nil, false
	}
	ids, ok := children[child]
	return ids, ok
}

// ResultMap is the harvested payload, keyed by the concrete URL that
// produced it. Leaf values are heterogeneous JSON (json.RawMessage or
// decoded any, depending on stage), so the map stays map[string]any, but
// its methods keep the "produce new values, never mutate the caller's map"
// rule enforceable.
type ResultMap map[string]any

// Clone returns a shallow copy of m; used wherever a component must hand a
// result set to another stage without granting it write access to the
// original.
func (m ResultMap) Clone() ResultMap {
	out := make(ResultMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a new ResultMap containing m's entries overlaid with
// other's; neither input is mutated. On key collision other wins.
func (m ResultMap) Merge(other ResultMap) ResultMap {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// DeepCopy returns a structurally independent copy of m by round-tripping
// through JSON, used once by the resolver before annotating names onto a
// tree it does not own.
func (m ResultMap) DeepCopy() (ResultMap, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out ResultMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NameMap resolves numeric ESI IDs to their display names, collected by
// the resolver and applied back onto a ResultMap copy.
type NameMap map[int64]string

// RunRecord is the bookkeeping record the supervisor stores as the value
// of a run's processing.<uuid> marker while the harvest runs, distinct
// from the final compressed Document written on completion.
type RunRecord struct {
	Token         string   `json:"token"`
	AccessToken   string   `json:"access_token"`
	CharacterID   int64    `json:"character_id"`
	CorporationID int64    `json:"corporation_id"`
	AllianceID    int64    `json:"alliance_id,omitempty"`
	Scopes        []string `json:"scopes"`
	Roles         []string `json:"roles"`
}
