package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/promptforge/promptforge/internal/api"
	"github.com/promptforge/promptforge/internal/api/handlers"
	"github.com/promptforge/promptforge/internal/automode"
	"github.com/promptforge/promptforge/internal/config"
	"github.com/promptforge/promptforge/internal/evaluate"
	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/pipeline"
	"github.com/promptforge/promptforge/internal/provider"
	"github.com/promptforge/promptforge/internal/store"
	"github.com/promptforge/promptforge/pkg/models"
)

// openAIStub fakes the OpenAI-compatible chat endpoint.
func openAIStub(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
		})
	}))
}

// newTestServer builds the full handler stack on a throwaway store, with
// the OpenAI endpoint pointed at the stub (empty URL means no key at all).
func newTestServer(t *testing.T, stubURL string) (http.Handler, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("PROMPTFORGE_DATA_DIR", dir)
	defer os.Unsetenv("PROMPTFORGE_DATA_DIR")

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	creds := provider.Credentials{}
	if stubURL != "" {
		creds.OpenAIKey = "test-key"
		creds.OpenAIEndpoint = stubURL
	}
	ai := provider.NewClient(creds)
	n := notify.NewCenter()
	runner := pipeline.NewRunner(s, ai, n)
	engine := evaluate.NewEngine(evaluate.NewProviderAgent(ai), evaluate.NewJitterPerspective(1), evaluate.Options{})
	auto := automode.New(s, runner, engine, n, automode.Options{})

	cfg := &config.Config{Port: 8080, Version: "test"}
	h := handlers.New(s, ai, runner, engine, auto, n)
	return api.NewRouter(cfg, h), s
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// ─── Health & info ──────────────────────────────────────────

func TestHealthAndVersion(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/version", "")
	var v map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("version body: %v", err)
	}
	if v["version"] != "test" {
		t.Errorf("version = %q", v["version"])
	}
}

// ─── Meta prompt ────────────────────────────────────────────

func TestRunMetaPrompt(t *testing.T) {
	long := strings.Repeat("You are a meticulous assistant for writing docs. ", 4)
	stub := openAIStub(t, long)
	defer stub.Close()
	router, s := newTestServer(t, stub.URL)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/meta-prompt",
		`{"base_prompt":"help me write docs","model_config":{"provider":"openai","model":"gpt-4o-mini","temperature":0.7,"max_tokens":2048,"top_p":1}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /meta-prompt = %d: %s", rec.Code, rec.Body.String())
	}

	var mp models.MetaPrompt
	if err := json.Unmarshal(rec.Body.Bytes(), &mp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mp.ID == 0 || mp.GeneratedPrompt == "" {
		t.Errorf("meta prompt not populated: %+v", mp)
	}
	if s.GetStage(models.StageBasePrompt).BasePrompt != "help me write docs" {
		t.Error("base prompt not stored")
	}
}

func TestRunMetaPrompt_EmptyInput(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/meta-prompt", `{"base_prompt":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty base prompt = %d, want 400", rec.Code)
	}
}

func TestRunMetaPrompt_ShortResponseRejected(t *testing.T) {
	stub := openAIStub(t, "too short")
	defer stub.Close()
	router, _ := newTestServer(t, stub.URL)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/meta-prompt", `{"base_prompt":"help me write docs"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short response = %d, want 422", rec.Code)
	}
}

// ─── Evaluate ───────────────────────────────────────────────

func TestEvaluate_NoVariations(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/evaluate", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("evaluate on empty state = %d, want 400", rec.Code)
	}
}

func TestEvaluate_FallbackWithoutKeys(t *testing.T) {
	router, s := newTestServer(t, "")

	vars := []models.PromptVariation{
		{ID: 0, Content: "v0", ModelConfig: models.DefaultModelConfig(models.ProviderOpenAI)},
		{ID: 1, Content: "v1", ModelConfig: models.DefaultModelConfig(models.ProviderOpenAI)},
	}
	cases := []models.TestCase{{ID: 0, Input: "in"}}
	s.UpdateStage(models.StageVariations, models.StageUpdate{Variations: &vars})
	s.UpdateStage(models.StageTestCases, models.StageUpdate{TestCases: &cases})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/evaluate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate = %d: %s", rec.Code, rec.Body.String())
	}

	var results []models.EvaluationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 2 variations × 1 case × 5 seeded criteria, one aggregated row per triple.
	if len(results) != 10 {
		t.Fatalf("results = %d, want 10", len(results))
	}
	for _, stage := range []models.PipelineStage{models.StageResults, models.StageModelArena} {
		data := s.GetStage(stage)
		if len(data.Results) != 10 {
			t.Errorf("stage %s rows = %d, want 10", stage, len(data.Results))
		}
		if len(data.Variations) != 2 {
			t.Errorf("stage %s variations = %d, want 2", stage, len(data.Variations))
		}
		if len(data.TestCases) != 1 {
			t.Errorf("stage %s test cases = %d, want 1", stage, len(data.TestCases))
		}
	}
}

// ─── Criteria ───────────────────────────────────────────────

func TestCriteriaCRUD(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/optimizer/criteria", "")
	var list []models.EvaluationCriterion
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 5 {
		t.Fatalf("seeded criteria = %d, want 5", len(list))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/optimizer/criteria", `{"name":"Safety","weight":4}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.EvaluationCriterion
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID != 6 {
		t.Errorf("new criterion id = %d, want 6", created.ID)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/optimizer/criteria", `{"name":"safety","weight":2}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate name = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/optimizer/criteria/6", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/optimizer/criteria/99", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing = %d, want 404", rec.Code)
	}
}

// ─── Stages ─────────────────────────────────────────────────

func TestStageEndpoints(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/optimizer/stages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list stages = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/optimizer/stages/nonsense", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown stage = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPatch, "/api/v1/optimizer/stages/base_prompt", `{"base_prompt":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch stage = %d", rec.Code)
	}
	var patched struct {
		Changed bool             `json:"changed"`
		Data    models.StageData `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &patched)
	if !patched.Changed || patched.Data.BasePrompt != "hello" {
		t.Errorf("patch result = %+v", patched)
	}

	// Same payload again is a no-op.
	rec = doJSON(t, router, http.MethodPatch, "/api/v1/optimizer/stages/base_prompt", `{"base_prompt":"hello"}`)
	json.Unmarshal(rec.Body.Bytes(), &patched)
	if patched.Changed {
		t.Error("identical patch reported a change")
	}
}

// ─── Flow ───────────────────────────────────────────────────

func TestFlowExportImport(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/optimizer/flow/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export = %d", rec.Code)
	}
	var doc models.FlowDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(doc.Nodes) != len(models.StageOrder) {
		t.Fatalf("exported nodes = %d, want %d", len(doc.Nodes), len(models.StageOrder))
	}

	exported, _ := json.Marshal(doc)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/optimizer/flow/import", string(exported))
	if rec.Code != http.StatusOK {
		t.Fatalf("import = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/optimizer/flow/import", `{"edges":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("import without nodes = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/optimizer/flow/import", `{"nodes":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("import without edges = %d, want 400", rec.Code)
	}
}

func TestFlowSaveLoad(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/flow/save", "")
	var saved map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &saved)
	if !saved["saved"] {
		t.Error("save reported failure")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/optimizer/flow/load", "")
	var loaded map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &loaded)
	if !loaded["loaded"] {
		t.Error("load reported failure after save")
	}
}

// ─── Providers, auto, notifications ─────────────────────────

func TestListProviders(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/optimizer/providers", "")
	var out []struct {
		Provider     models.Provider `json:"provider"`
		Models       []string        `json:"models"`
		DefaultModel string          `json:"default_model"`
		HasKey       bool            `json:"has_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(models.Providers) {
		t.Fatalf("providers = %d, want %d", len(out), len(models.Providers))
	}
	for _, p := range out {
		if p.HasKey {
			t.Errorf("provider %s reports a key with none configured", p.Provider)
		}
		if len(p.Models) == 0 || p.Models[0] != p.DefaultModel {
			t.Errorf("provider %s catalog/default mismatch", p.Provider)
		}
	}
}

func TestAutoStatusIdle(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/optimizer/auto/status", "")
	var st struct {
		Running bool `json:"running"`
	}
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Running {
		t.Error("status reports a run with none started")
	}
}

func TestAutoStopIdleNotifies(t *testing.T) {
	router, _ := newTestServer(t, "")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/optimizer/auto/stop", "")
	var out map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["stopped"] {
		t.Error("stop on idle reported stopped=true")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/optimizer/notifications", "")
	var feed []models.Notification
	json.Unmarshal(rec.Body.Bytes(), &feed)
	if len(feed) == 0 {
		t.Fatal("no notification pushed for idle stop")
	}
}
