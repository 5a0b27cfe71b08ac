// Package fetchpool holds the "bounded concurrent fetch with pagination
// follow-up" logic shared by C4 (parameter expander) and C5 (harvest
// driver) — both stages fetch a list of URLs through a width-20 pool and
// merge any paginated response in ascending page order.
package fetchpool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"knife/internal/esiclient"

	"golang.org/x/sync/semaphore"
)

// FetchPaginated fetches url, and if the first response carries a
// pagination hint, fetches the remaining pages concurrently and merges
// all page bodies in ascending page order into a single JSON array.
// first is the page-1 FetchResult; callers inspect first.OK() to
// distinguish a page-1 failure (no merge occurred) from success. A
// failed later page is simply dropped from the merge (§9 open question
// (a), retained as spec'd).
//
// sem gates every individual HTTP fetch this call makes — page 1 and
// every remaining page each acquire one unit before calling client.Fetch
// — so the caller's per-stage hard cap of poolWidth in-flight requests
// (spec §5) holds across an entire paginated URL, not just across the
// URLs a stage issues concurrently.
func FetchPaginated(ctx context.Context, client *esiclient.Client, sem *semaphore.Weighted, url string, headers map[string]string) (merged json.RawMessage, first esiclient.FetchResult) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, esiclient.FetchResult{}
	}
	firstPages, _, firstResult := client.Fetch(ctx, url, "GET", headers, nil, 0)
	sem.Release(1)
	if !firstResult.OK() {
		return nil, firstResult
	}
	if len(firstPages.Remaining) == 0 {
		return firstResult.Body(), firstResult
	}

	type page struct {
		num  int
		body json.RawMessage
	}
	pages := []page{{num: 1, body: firstResult.Body()}}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range firstPages.Remaining {
		wg.Add(1)
		go func(pageNum int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			_, _, result := client.Fetch(ctx, url, "GET", headers, nil, pageNum)
			if !result.OK() {
				return
			}
			mu.Lock()
			pages = append(pages, page{num: pageNum, body: result.Body()})
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	var out []byte
	out = append(out, '[')
	wrote := false
	for _, p := range pages {
		inner := p.body
		if len(inner) >= 2 && inner[0] == '[' && inner[len(inner)-1] == ']' {
			inner = inner[1 : len(inner)-1]
		}
		if len(inner) == 0 {
			continue
		}
		if wrote {
			out = append(out, ',')
		}
		out = append(out, inner...)
		wrote = true
	}
	out = append(out, ']')

	return out, firstResult
}
