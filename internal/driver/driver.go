// Package driver implements C5: the second harvest phase. It issues every
// planned URL through the same width-20 pool primitive as C4, follows
// pagination, and merges the results into the expander's seeded result
// map.
package driver

import (
	"context"
	"encoding/json"
	"sync"

	"knife/internal/esiclient"
	"knife/internal/fetchpool"
	"knife/internal/harvestmodel"

	"golang.org/x/sync/semaphore"
)

// Harvest fetches every URL in plan through a bounded pool of poolWidth
// in-flight requests, merges pagination, and returns a new ResultMap
// (seed is not mutated) with one entry per URL: either the decoded JSON
// body or the client's wire-compatible error sentinel string for any URL
// that ultimately failed.
func Harvest(ctx context.Context, client *esiclient.Client, plan harvestmodel.Plan, seed harvestmodel.ResultMap, headers map[string]string, poolWidth int) harvestmodel.ResultMap {
	sem := semaphore.NewWeighted(int64(poolWidth))
	var mu sync.Mutex
	var wg sync.WaitGroup

	fetched := harvestmodel.ResultMap{}

	for _, url := range plan {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()

			value := fetchOne(ctx, client, sem, url, headers)

			mu.Lock()
			fetched[url] = value
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	return seed.Merge(fetched)
}

func fetchOne(ctx context.Context, client *esiclient.Client, sem *semaphore.Weighted, url string, headers map[string]string) any {
	body, first := fetchpool.FetchPaginated(ctx, client, sem, url, headers)
	if !first.OK() {
		return first.String()
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}
