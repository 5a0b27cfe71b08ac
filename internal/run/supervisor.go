// Package run implements C7, the run supervisor: it scans the state store
// for new run tokens, verifies and authorizes each one, and orchestrates
// C2 (spec cache) -> C4 (expander) -> C3 (planner) -> C5 (driver) -> C6
// (resolver) into a final stored Document.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"knife/internal/driver"
	"knife/internal/esiclient"
	"knife/internal/expander"
	"knife/internal/harvestmodel"
	"knife/internal/planner"
	"knife/internal/resolver"
	"knife/internal/specs"
	"knife/internal/state"
	"knife/pkg/config"
)

// Supervisor owns the new/pending/processing/complete run lifecycle.
type Supervisor struct {
	store     state.Store
	client    *esiclient.Client
	specCache *specs.Cache
	baseURL   string
	poolWidth int
}

// New builds a Supervisor. Its base URL, read from ESI_BASE_URL via
// config.GetESIBaseURL, is the ESI scheme+host prepended to every planned
// URL and to the verify, roles and public-info requests.
func New(store state.Store, client *esiclient.Client, specCache *specs.Cache) *Supervisor {
	return &Supervisor{
		store:     store,
		client:    client,
		specCache: specCache,
		baseURL:   config.GetESIBaseURL(),
		poolWidth: config.GetPoolWidth(),
	}
}

// Run starts the poll loop: it first clears stale pending/processing
// markers (prior runs are not resumable), then wakes on the configured
// interval to start any newly submitted runs, until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.cleanupStaleMarkers(ctx)

	ticker := time.NewTicker(config.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessNew(ctx)
		}
	}
}

func (s *Supervisor) cleanupStaleMarkers(ctx context.Context) {
	for _, prefix := range []string{state.PrefixPending, state.PrefixProcessing} {
		keys, err := s.store.ListKeysByPrefix(ctx, prefix)
		if err != nil {
			slog.Warn("failed to list stale markers", "prefix", prefix, "error", err)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := s.store.Delete(ctx, keys...); err != nil {
			slog.Warn("failed to clear stale markers", "prefix", prefix, "error", err)
		}
	}
}

// ProcessNew scans new.* once, verifying and authorizing each discovered
// token, and spawns a harvest goroutine for every one that passes.
func (s *Supervisor) ProcessNew(ctx context.Context) {
	keys, err := s.store.ListKeysByPrefix(ctx, state.PrefixNew)
	if err != nil {
		slog.Warn("failed to list new run tokens", "error", err)
		return
	}

	for _, key := range keys {
		uuid := strings.TrimPrefix(key, state.PrefixNew)
		slog.Info("processing new run", "uuid", uuid)
		s.startRun(ctx, uuid, key)
	}
}

func (s *Supervisor) startRun(ctx context.Context, uuid, newKey string) {
	tokenBytes, ok, err := s.store.Get(ctx, newKey)
	if err != nil || !ok {
		slog.Warn("no token stored for run", "uuid", uuid)
		return
	}
	token := string(tokenBytes)

	if err := s.store.Delete(ctx, newKey); err != nil {
		slog.Warn("failed to clear new marker", "uuid", uuid, "error", err)
	}

	pendingKey := state.PrefixPending + uuid
	if err := s.store.Set(ctx, pendingKey, []byte("1"), state.TTLPending); err != nil {
		slog.Warn("failed to set pending marker", "uuid", uuid, "error", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + token}

	_, _, verifyResult := s.client.Fetch(ctx, s.baseURL+"/verify/", http.MethodGet, headers, nil, 0)
	characterID, scopes, ok := parseVerify(verifyResult)
	if !ok {
		s.fail(ctx, uuid, pendingKey, "auth failure", verifyResult.String())
		return
	}

	rolesURL := fmt.Sprintf("%s/latest/characters/%d/roles/", s.baseURL, characterID)
	_, _, rolesResult := s.client.Fetch(ctx, rolesURL, http.MethodGet, headers, nil, 0)
	roles, ok := parseRoles(rolesResult)
	if !ok {
		s.fail(ctx, uuid, pendingKey, "roles failure", rolesResult.String())
		return
	}

	if err := s.store.Delete(ctx, pendingKey); err != nil {
		slog.Warn("failed to clear pending marker", "uuid", uuid, "error", err)
	}

	processingKey := state.PrefixProcessing + uuid
	record := harvestmodel.RunRecord{
		Token:       uuid,
		AccessToken: token,
		CharacterID: characterID,
		Scopes:      scopes,
		Roles:       roles,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		slog.Warn("failed to marshal processing record", "uuid", uuid, "error", err)
		recordBytes = []byte(fmt.Sprintf("%d", characterID))
	}
	if err := s.store.Set(ctx, processingKey, recordBytes, state.TTLProcessing); err != nil {
		slog.Warn("failed to set processing marker", "uuid", uuid, "error", err)
	}

	go s.harvest(context.Background(), uuid, processingKey, token, characterID, scopes, roles)
}

func (s *Supervisor) fail(ctx context.Context, uuid, pendingKey, kind, detail string) {
	doc := Document{kind: detail}
	s.store.Delete(ctx, pendingKey)
	s.writeDocument(ctx, uuid, doc)
}

// harvest is the per-run worker: C2 -> C4 -> C3 -> C5 -> C6, then store.
func (s *Supervisor) harvest(ctx context.Context, uuid, processingKey, token string, characterID int64, scopes, roles []string) {
	defer s.store.Delete(ctx, processingKey)
	headers := map[string]string{"Authorization": "Bearer " + token}

	publicURL := fmt.Sprintf("%s/latest/characters/%d/", s.baseURL, characterID)
	_, _, publicResult := s.client.Fetch(ctx, publicURL, http.MethodGet, headers, nil, 0)
	if !publicResult.OK() {
		s.writeDocument(ctx, uuid, Document{"public info failure": publicResult.String()})
		return
	}

	var public struct {
		CorporationID int64 `json:"corporation_id"`
		AllianceID    int64 `json:"alliance_id"`
	}
	if err := json.Unmarshal(publicResult.Body(), &public); err != nil {
		s.writeDocument(ctx, uuid, Document{"public info failure": err.Error()})
		return
	}

	known := harvestmodel.KnownParams{"character_id": characterID}
	templates := expander.DefaultTemplates().Clone()
	if public.CorporationID > 2000000 {
		known["corporation_id"] = public.CorporationID
	} else {
		delete(templates, "corporation_id")
	}
	if public.AllianceID != 0 {
		known["alliance_id"] = public.AllianceID
	}

	doc, err := s.specCache.Refresh(ctx)
	if err != nil {
		slog.Warn("spec refresh failed, harvest will use a stale/empty spec", "uuid", uuid, "error", err)
	}

	pools, seed, err := expander.Expand(ctx, s.client, doc, scopes, roles, known, templates, headers, s.poolWidth, s.baseURL)
	if err != nil {
		slog.Warn("parameter expansion failed", "uuid", uuid, "error", err)
		pools = harvestmodel.ParamPools{}
		seed = harvestmodel.ResultMap{}
	}

	plan, err := planner.Build(doc, scopes, roles, known, pools, s.baseURL)
	if err != nil {
		slog.Warn("planning failed", "uuid", uuid, "error", err)
	}

	results := driver.Harvest(ctx, s.client, plan, seed, headers, s.poolWidth)

	ids := resolver.Collect(results)
	names := resolver.Resolve(ctx, s.client, ids, headers)
	annotated, err := resolver.Annotate(results, names)
	if err != nil {
		slog.Warn("name annotation failed, storing unannotated results", "uuid", uuid, "error", err)
		annotated = results
	}

	finalDoc := make(Document, len(annotated))
	for k, v := range annotated {
		finalDoc[k] = v
	}

	s.writeDocument(ctx, uuid, finalDoc)

	if _, err := s.store.Incr(ctx, state.KeyAllTime); err != nil {
		slog.Warn("failed to increment alltime counter", "error", err)
	}

	slog.Info("completed harvest", "uuid", uuid, "character_id", characterID)
}

func (s *Supervisor) writeDocument(ctx context.Context, uuid string, doc Document) {
	encoded, err := EncodeDocument(doc)
	if err != nil {
		slog.Error("failed to encode document", "uuid", uuid, "error", err)
		return
	}
	if err := s.store.Set(ctx, state.PrefixComplete+uuid, []byte(encoded), state.TTLComplete); err != nil {
		slog.Error("failed to store document", "uuid", uuid, "error", err)
	}
}

func parseVerify(result esiclient.FetchResult) (characterID int64, scopes []string, ok bool) {
	if !result.OK() {
		return 0, nil, false
	}
	var payload struct {
		CharacterID int64  `json:"CharacterID"`
		Scopes      string `json:"Scopes"`
	}
	if err := json.Unmarshal(result.Body(), &payload); err != nil {
		return 0, nil, false
	}
	if payload.CharacterID == 0 {
		return 0, nil, false
	}
	if payload.Scopes == "" {
		return payload.CharacterID, nil, true
	}
	return payload.CharacterID, strings.Fields(payload.Scopes), true
}

func parseRoles(result esiclient.FetchResult) ([]string, bool) {
	if !result.OK() {
		return nil, false
	}
	var payload struct {
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(result.Body(), &payload); err == nil && payload.Roles != nil {
		return payload.Roles, true
	}
	var flat []string
	if err := json.Unmarshal(result.Body(), &flat); err == nil {
		return flat, true
	}
	return nil, false
}
