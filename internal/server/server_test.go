package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/originos/memod/internal/audit"
	"github.com/originos/memod/internal/index"
	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/registry"
	"github.com/originos/memod/internal/store"
)

const testAdminKey = "test-admin-key"

type fixture struct {
	srv *Server
	log *memlog.Log
	ix  *index.Index
}

func testServer(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	l, err := memlog.Open(filepath.Join(dir, "memories.json"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ix := index.New(l, db, index.NewHashEmbedder(64))
	sched := index.NewScheduler(ix, 10*time.Millisecond)
	t.Cleanup(sched.Close)

	aud, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}

	return &fixture{srv: New(l, ix, sched, reg, aud, testAdminKey, "test"), log: l, ix: ix}
}

// do issues a request against the in-process server. A non-empty token is
// sent as a bearer key; admin requests set the admin header instead.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token == testAdminKey {
		req.Header.Set("X-Admin-Key", token)
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// register creates an agent through the admin API and returns its key.
func (f *fixture) register(t *testing.T, agentID string, maxAuthority, rateLimit int) string {
	t.Helper()
	body := map[string]any{
		"agent_id":      agentID,
		"name":          "Test " + agentID,
		"max_authority": maxAuthority,
		"rate_limit":    rateLimit,
	}
	w := f.do(t, http.MethodPost, "/admin/agents", testAdminKey, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", agentID, w.Code, w.Body.String())
	}
	key, _ := decode(t, w)["api_key"].(string)
	if key == "" {
		t.Fatal("register returned no api_key")
	}
	return key
}

func (f *fixture) seedMemory(t *testing.T, typ memlog.Type, content string) string {
	t.Helper()
	rec := memlog.Record{Type: typ, Content: content, Rationale: "because", Provenance: memlog.Provenance{Source: "seed"}}
	if memlog.RequiresConfidence(typ) {
		c := 0.8
		rec.Confidence = &c
	}
	id, err := f.log.Append(rec)
	if err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	return id
}

func TestHealth(t *testing.T) {
	f := testServer(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["indexed"] != false {
		t.Errorf("indexed = %v before first build", resp["indexed"])
	}
}

func TestTypesIsPublic(t *testing.T) {
	f := testServer(t)
	w := f.do(t, http.MethodGet, "/v1/types", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	types, _ := decode(t, w)["types"].([]any)
	if len(types) != 8 {
		t.Fatalf("got %d types, want 8", len(types))
	}
	first := types[0].(map[string]any)
	if first["type"] != "constraint" || first["authority"] != float64(5) {
		t.Errorf("first type = %v", first)
	}
	if first["requires_rationale"] != true {
		t.Errorf("constraint should require rationale")
	}
}

func TestAuthRequired(t *testing.T) {
	f := testServer(t)
	for _, token := range []string{"", "omem_bogus"} {
		w := f.do(t, http.MethodPost, "/v1/search", token, map[string]any{"query": "x"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, w.Code)
		}
	}
}

func TestAdminKeyRequired(t *testing.T) {
	f := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/agents", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong key: status = %d, want 403", w.Code)
	}

	w2 := httptest.NewRecorder()
	f.srv.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/admin/agents", nil))
	if w2.Code != http.StatusForbidden {
		t.Errorf("no key: status = %d, want 403", w2.Code)
	}
}

func TestRegisterValidationAndDuplicate(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodPost, "/admin/agents", testAdminKey, map[string]any{
		"agent_id": "Bad Agent!", "name": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad agent_id: status = %d, want 400", w.Code)
	}

	f.register(t, "dupe", 3, 100)
	w = f.do(t, http.MethodPost, "/admin/agents", testAdminKey, map[string]any{
		"agent_id": "dupe", "name": "again",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("duplicate: status = %d, want 400", w.Code)
	}
}

func TestWriteAuthorityCeiling(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "junior", 1, 100)

	w := f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "constraint", "content": "never do X", "rationale": "hard rule",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("constraint write: status = %d, want 403: %s", w.Code, w.Body.String())
	}
	if f.log.Len() != 0 {
		t.Errorf("denied write landed in the log: len = %d", f.log.Len())
	}

	w = f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "observation", "content": "deploys fail on Fridays",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("observation write: status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	id, _ := resp["memory_id"].(string)
	if len(id) != 16 || id[:4] != "mem-" {
		t.Errorf("memory_id = %q", id)
	}
	if resp["authority"] != float64(1) || resp["status"] != "created" {
		t.Errorf("response = %v", resp)
	}
	if f.log.Len() != 1 {
		t.Errorf("log len = %d, want 1", f.log.Len())
	}

	rec, ok := f.log.Get(id)
	if !ok {
		t.Fatal("written record not found")
	}
	if rec.Provenance.AgentID != "junior" || rec.Provenance.Source != "junior" {
		t.Errorf("provenance = %+v", rec.Provenance)
	}
	found := false
	for _, tag := range rec.Tags {
		if tag == "agent:junior" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing agent tag: %v", rec.Tags)
	}
}

func TestWriteValidation(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "writer", 5, 100)

	w := f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "decision", "content": "use postgres",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("decision without rationale: status = %d, want 422", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "wisdom", "content": "x",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown type: status = %d, want 422", w.Code)
	}
}

func TestWriteTagLimit(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "tagger", 3, 100)

	tags := make([]string, 20)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}
	w := f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "observation", "content": "fully tagged", "tags": tags,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("20 tags: status = %d, want 201: %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["memory_id"].(string)
	rec, ok := f.log.Get(id)
	if !ok {
		t.Fatal("written record not found")
	}
	// 20 supplied plus the derived agent tag.
	if len(rec.Tags) != 21 {
		t.Errorf("stored tags = %d, want 21", len(rec.Tags))
	}

	w = f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "observation", "content": "x", "tags": append(tags, "one-too-many"),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("21 tags: status = %d, want 422", w.Code)
	}
}

func TestSearchBeforeIndexReady(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "seeker", 3, 100)
	f.seedMemory(t, memlog.TypeObservation, "something")

	w := f.do(t, http.MethodPost, "/v1/search", key, map[string]any{"query": "something"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 before first build", w.Code)
	}
}

func TestSearchFlow(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "seeker", 3, 100)

	f.seedMemory(t, memlog.TypeConstraint, "all database access goes through the storage layer")
	f.seedMemory(t, memlog.TypeHypothesis, "database latency might come from the storage layer")
	f.seedMemory(t, memlog.TypeObservation, "the cat sat on the windowsill all afternoon")
	if _, err := f.ix.ForceRebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	w := f.do(t, http.MethodPost, "/v1/search", key, map[string]any{
		"query": "database storage layer", "top_k": 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	results, _ := resp["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Authority dominates similarity: the constraint outranks the
	// hypothesis even though both mention the query terms.
	first := results[0].(map[string]any)
	if first["type"] != "constraint" {
		t.Errorf("first result type = %v, want constraint", first["type"])
	}

	w = f.do(t, http.MethodPost, "/v1/search", key, map[string]any{
		"query": "database", "memory_type": "hypothesis",
	})
	resp = decode(t, w)
	for _, raw := range resp["results"].([]any) {
		if r := raw.(map[string]any); r["type"] != "hypothesis" {
			t.Errorf("type filter leaked %v", r["type"])
		}
	}
}

func TestSearchValidation(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "seeker", 3, 100)

	cases := []map[string]any{
		{"query": ""},
		{"query": "x", "top_k": 21},
		{"query": "x", "memory_type": "wisdom"},
		{"query": "x", "min_authority": 6},
	}
	for i, body := range cases {
		w := f.do(t, http.MethodPost, "/v1/search", key, body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("case %d: status = %d, want 422", i, w.Code)
		}
	}
}

func TestContextEndpoint(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "reader", 3, 100)
	f.seedMemory(t, memlog.TypeDecision, "we chose sqlite for the agent registry")
	if _, err := f.ix.ForceRebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodPost, "/v1/context", key, map[string]any{
		"query": "which database for the registry",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	block, _ := resp["context"].(string)
	if !bytes.Contains([]byte(block), []byte("<relevant_memories>")) {
		t.Errorf("context block missing wrapper: %q", block)
	}
	if !bytes.Contains([]byte(block), []byte("sqlite for the agent registry")) {
		t.Errorf("context block missing memory content: %q", block)
	}

	w = f.do(t, http.MethodPost, "/v1/context", key, map[string]any{
		"query": "x", "max_tokens": 50,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("max_tokens 50: status = %d, want 422", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "chatty", 3, 3)

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodGet, "/v1/me", key, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	w := f.do(t, http.MethodGet, "/v1/me", key, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestRevoke(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "doomed", 3, 100)

	w := f.do(t, http.MethodDelete, "/admin/agents/doomed", testAdminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/me", key, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("revoked key: status = %d, want 401", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/admin/agents/ghost", testAdminKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("revoke unknown: status = %d, want 404", w.Code)
	}
}

func TestWriteTriggersRebuild(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "writer", 3, 100)

	w := f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "observation", "content": "rebuilds happen in the background",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("write: status = %d", w.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.ix.Active() == nil {
		if time.Now().After(deadline) {
			t.Fatal("index never rebuilt after write")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.ix.Active().Len() != 1 {
		t.Errorf("snapshot len = %d, want 1", f.ix.Active().Len())
	}
}

func TestStats(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "counter", 3, 100)
	f.seedMemory(t, memlog.TypeObservation, "one")
	f.seedMemory(t, memlog.TypeGoal, "two")
	if _, err := f.ix.ForceRebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/v1/stats", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["total_memories"] != float64(2) {
		t.Errorf("total_memories = %v", resp["total_memories"])
	}
	byType := resp["by_type"].(map[string]any)
	if byType["observation"] != float64(1) || byType["goal"] != float64(1) {
		t.Errorf("by_type = %v", byType)
	}
	idx := resp["index"].(map[string]any)
	if idx["ready"] != true || idx["entries"] != float64(2) {
		t.Errorf("index stats = %v", idx)
	}

	// Stats reads are audited like any other admitted request.
	w = f.do(t, http.MethodGet, "/admin/audit?agent_id=counter", testAdminKey, nil)
	entries, _ := decode(t, w)["entries"].([]any)
	if len(entries) == 0 {
		t.Fatal("no audit entries for stats read")
	}
	last := entries[len(entries)-1].(map[string]any)
	if last["action"] != "stats" {
		t.Errorf("last audit action = %v, want stats", last["action"])
	}
}

func TestMe(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "myself", 2, 100)

	w := f.do(t, http.MethodGet, "/v1/me", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["agent_id"] != "myself" || resp["max_authority"] != float64(2) {
		t.Errorf("profile = %v", resp)
	}
}

func TestAuditTrail(t *testing.T) {
	f := testServer(t)
	key := f.register(t, "audited", 3, 100)

	w := f.do(t, http.MethodPost, "/v1/write", key, map[string]any{
		"memory_type": "observation", "content": "leave a trace",
	})
	if w.Code != http.StatusCreated {
		t.Fatal(w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/admin/audit?agent_id=audited", testAdminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: status = %d", w.Code)
	}
	resp := decode(t, w)
	entries, _ := resp["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	entry := entries[0].(map[string]any)
	if entry["action"] != "write" || entry["agent_id"] != "audited" {
		t.Errorf("entry = %v", entry)
	}
}
