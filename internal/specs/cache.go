// Package specs maintains the cached, fully dereferenced ESI swagger
// document (C2): refreshed on a five-minute cadence and written through
// internal/state so every process sharing a Store sees the same cache
// entry. The response's ETag header is not recorded, so refetches are
// unconditional GETs unless a stored entry already carries an ETag.
package specs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"knife/internal/esiclient"
	"knife/internal/state"
	"knife/pkg/config"

	"github.com/go-openapi/jsonpointer"
)

// Document is the fully $ref-resolved ESI swagger document.
type Document map[string]any

type cacheEntry struct {
	Timestamp int64           `json:"timestamp"`
	ETag      string          `json:"etag,omitempty"`
	Spec      json.RawMessage `json:"spec,omitempty"`
}

// Cache fetches and caches the ESI swagger document.
type Cache struct {
	client *esiclient.Client
	store  state.Store
	now    func() time.Time
}

// New builds a Cache backed by store, using client for swagger.json fetches.
func New(client *esiclient.Client, store state.Store) *Cache {
	return &Cache{client: client, store: store, now: time.Now}
}

// Refresh returns the cached, resolved swagger document, refetching it
// from ESI whenever the cache entry is older than the configured refresh
// interval (default 5 minutes). If-None-Match is sent only when the stored
// entry holds an ETag; Refresh itself never stores one, because
// esiclient.Client.Fetch does not expose response headers. A 304 response
// simply extends the cache's freshness without reparsing.
func (c *Cache) Refresh(ctx context.Context) (Document, error) {
	entry, err := c.loadEntry(ctx)
	if err != nil {
		return nil, err
	}

	age := time.Duration(c.now().Unix()-entry.Timestamp) * time.Second
	if entry.Spec != nil && age <= config.GetSpecRefreshInterval() {
		return decodeDocument(entry.Spec)
	}

	headers := map[string]string{}
	if entry.ETag != "" {
		headers["If-None-Match"] = entry.ETag
	}

	url := fmt.Sprintf("%s/latest/swagger.json", config.GetESIBaseURL())
	_, _, result := c.client.Fetch(ctx, url, http.MethodGet, headers, nil, 0)

	if !result.OK() {
		if result.Status() == http.StatusNotModified {
			entry.Timestamp = c.now().Unix()
			if err := c.saveEntry(ctx, entry); err != nil {
				return nil, err
			}
			if entry.Spec != nil {
				return decodeDocument(entry.Spec)
			}
			return Document{}, nil
		}
		if entry.Spec != nil {
			return decodeDocument(entry.Spec)
		}
		return nil, fmt.Errorf("failed to refresh esi spec: %s", result.String())
	}

	var raw map[string]any
	if err := json.Unmarshal(result.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decoding swagger document: %w", err)
	}

	resolved, err := resolveRefs(raw, raw, map[string]bool{})
	if err != nil {
		return nil, fmt.Errorf("resolving $ref entries: %w", err)
	}

	resolvedJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, err
	}

	entry.Timestamp = c.now().Unix()
	entry.Spec = resolvedJSON
	if err := c.saveEntry(ctx, entry); err != nil {
		return nil, err
	}

	return Document(resolved.(map[string]any)), nil
}

func (c *Cache) loadEntry(ctx context.Context) (cacheEntry, error) {
	raw, ok, err := c.store.Get(ctx, state.KeySpecCache)
	if err != nil {
		return cacheEntry{}, err
	}
	if !ok {
		return cacheEntry{}, nil
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheEntry{}, nil // treat an unreadable cache entry as absent
	}
	return entry, nil
}

func (c *Cache) saveEntry(ctx context.Context, entry cacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, state.KeySpecCache, raw, state.TTLSpecCache)
}

func decodeDocument(raw json.RawMessage) (Document, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return Document(doc), nil
}

// resolveRefs walks node replacing every {"$ref": "#/..."} object with the
// JSON-pointer-resolved value from root, recursing into the result so
// nested $refs resolve too. visited guards against reference cycles.
func resolveRefs(node any, root map[string]any, visited map[string]bool) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok && len(v) == 1 {
			if visited[ref] {
				return nil, fmt.Errorf("cyclic $ref: %s", ref)
			}
			pointer, err := jsonpointer.New(trimFragment(ref))
			if err != nil {
				return nil, fmt.Errorf("invalid $ref %q: %w", ref, err)
			}
			resolved, _, err := pointer.Get(root)
			if err != nil {
				return nil, fmt.Errorf("resolving %q: %w", ref, err)
			}
			nextVisited := make(map[string]bool, len(visited)+1)
			for k := range visited {
				nextVisited[k] = true
			}
			nextVisited[ref] = true
			return resolveRefs(resolved, root, nextVisited)
		}

		out := make(map[string]any, len(v))
		for key, val := range v {
			resolved, err := resolveRefs(val, root, visited)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			resolved, err := resolveRefs(val, root, visited)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return v, nil
	}
}

// trimFragment strips the leading "#" a JSON Pointer reference carries in
// swagger documents (e.g. "#/definitions/Foo" -> "/definitions/Foo").
func trimFragment(ref string) string {
	if len(ref) > 0 && ref[0] == '#' {
		return ref[1:]
	}
	return ref
}
