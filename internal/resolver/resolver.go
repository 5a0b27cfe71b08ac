// Package resolver implements C6: collecting numeric ESI IDs scattered
// throughout a harvested result map, resolving them to names via
// /universe/names/, and annotating a copy of the result map with the
// resolved names. It never mutates the caller's result map.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"regexp"

	"knife/internal/esiclient"
	"knife/internal/harvestmodel"
	"knife/pkg/config"
)

// idKeys is the whitelist of attribute keys resolvable via
// /universe/names/, verbatim from spec.md §4.6 / original_source's
// ID_KEYS.
var idKeys = map[string]bool{
	"type_id":                 true,
	"creator_id":              true,
	"creator_corporation_id":  true,
	"executor_corporation_id": true,
	"contact_id":              true,
	"alliance_id":             true,
	"corporation_id":          true,
	"issuer_corporation_id":   true,
	"issuer_id":               true,
	"ship_type_id":            true,
	"installer_id":            true,
	"blueprint_type_id":       true,
	"product_type_id":         true,
	"solar_system_id":         true,
	"region_id":               true,
	"skill_id":                true,
	"tax_receiver_id":         true,
	"client_id":               true,
	"ceo_id":                  true,
	"home_station_id":         true,
	"assignee_id":             true,
}

// locationIDKeys mirrors original_source's LOCATION_ID_KEYS list. It is
// deliberately never consulted by Collect: location IDs require
// /universe/structures/{id}/ or /universe/stations/{id}/ lookups (and a
// citadel-vs-NPC-station disambiguation the /universe/names/ endpoint
// cannot make), not a name-resolver batch call. Carried here, unwired, so
// the knowledge the original encoded isn't silently lost.
// TODO: wire once a structure/station resolution path exists.
var locationIDKeys = []string{
	"location_id",
	"end_location_id",
	"start_location_id",
	"blueprint_location_id",
	"facility_id",
	"output_location_id",
}

// rawIDRoutes are routes whose list body is itself a list of bare IDs,
// verbatim from spec.md §4.6 / original_source's RAW_ID_KEYS.
var rawIDRoutes = []*regexp.Regexp{
	regexp.MustCompile(`.*/alliances/[0-9]+/corporations/$`),
	regexp.MustCompile(`.*/characters/[0-9]+/implants/$`),
	regexp.MustCompile(`.*/corporations/[0-9]+/members/$`),
}

// Collect walks results and returns every candidate ID to resolve,
// de-duplicated.
func Collect(results harvestmodel.ResultMap) []int64 {
	seen := map[int64]struct{}{}
	for route, data := range results {
		if isRawIDRoute(route) {
			if ids, ok := asIntList(data); ok {
				for _, id := range ids {
					seen[id] = struct{}{}
				}
				continue
			}
		}
		recurseCollect(data, seen)
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func recurseCollect(data any, seen map[int64]struct{}) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			if n, ok := asInt(val); ok && idKeys[key] {
				seen[n] = struct{}{}
			} else if isContainer(val) {
				recurseCollect(val, seen)
			}
		}
	case []any:
		for _, item := range v {
			recurseCollect(item, seen)
		}
	}
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func asInt(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

func asIntList(data any) ([]int64, bool) {
	list, ok := data.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		n, ok := asInt(item)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func isRawIDRoute(route string) bool {
	for _, re := range rawIDRoutes {
		if re.MatchString(route) {
			return true
		}
	}
	return false
}

type nameEntry struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Resolve POSTs ids to /universe/names/ in batches of up to 1000,
// adaptively shrinking and shuffling the failure list on retry
// (max(min(len(failed)/2, 500), 1)) until either it empties or a
// batch-size-1 retry still fails, at which point it gives up on the
// remainder.
func Resolve(ctx context.Context, client *esiclient.Client, ids []int64, headers map[string]string) harvestmodel.NameMap {
	resolved := harvestmodel.NameMap{}

	var failed []int64
	for i := 0; i < len(ids); i += 1000 {
		end := i + 1000
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]
		if ok := resolveBatch(ctx, client, batch, headers, resolved); !ok {
			failed = append(failed, batch...)
		}
	}

	for len(failed) > 0 {
		rand.Shuffle(len(failed), func(i, j int) { failed[i], failed[j] = failed[j], failed[i] })

		batchSize := len(failed) / 2
		if batchSize > 500 {
			batchSize = 500
		}
		if batchSize < 1 {
			batchSize = 1
		}

		var stillFailed []int64
		for i := 0; i < len(failed); i += batchSize {
			end := i + batchSize
			if end > len(failed) {
				end = len(failed)
			}
			batch := failed[i:end]
			if ok := resolveBatch(ctx, client, batch, headers, resolved); !ok {
				stillFailed = append(stillFailed, batch...)
			}
		}

		if batchSize == 1 && len(stillFailed) > 0 {
			break // give up; the unresolved IDs simply produce no annotation
		}
		failed = stillFailed
	}

	return resolved
}

func resolveBatch(ctx context.Context, client *esiclient.Client, batch []int64, headers map[string]string, resolved harvestmodel.NameMap) bool {
	body, err := json.Marshal(batch)
	if err != nil {
		return false
	}

	url := fmt.Sprintf("%s/latest/universe/names/", config.GetESIBaseURL())
	_, _, result := client.Fetch(ctx, url, http.MethodPost, headers, body, 0)
	if !result.OK() {
		return false
	}

	var entries []nameEntry
	if err := json.Unmarshal(result.Body(), &entries); err != nil {
		return false
	}
	for _, e := range entries {
		resolved[e.ID] = e.Name
	}
	return true
}

// Annotate returns a structurally independent copy of results with name
// annotations applied: raw-ID routes become lists of {id, name?} objects,
// and every other whitelisted integer field gains a sibling
// "<key>_name" when its value resolved.
func Annotate(results harvestmodel.ResultMap, names harvestmodel.NameMap) (harvestmodel.ResultMap, error) {
	copied, err := results.DeepCopy()
	if err != nil {
		return nil, err
	}

	for route, data := range copied {
		if isRawIDRoute(route) {
			if ids, ok := asIntList(data); ok {
				normalized := make([]any, len(ids))
				for i, id := range ids {
					item := map[string]any{"id": float64(id)}
					if name, ok := names[id]; ok {
						item["name"] = name
					}
					normalized[i] = item
				}
				copied[route] = normalized
				continue
			}
		}
		recurseAnnotate(data, names)
	}

	return copied, nil
}

func recurseAnnotate(data any, names harvestmodel.NameMap) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			if n, ok := asInt(val); ok && idKeys[key] {
				if name, ok := names[n]; ok {
					v[key+"_name"] = name
				}
			} else if isContainer(val) {
				recurseAnnotate(val, names)
			}
		}
	case []any:
		for _, item := range v {
			recurseAnnotate(item, names)
		}
	}
}
