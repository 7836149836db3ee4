package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/promptforge/promptforge/pkg/models"
)

// ─── Parsing ────────────────────────────────────────────────

func TestParseVariations_Separator(t *testing.T) {
	raw := "First variation here.\n---\nSecond variation here.\n-----\nThird variation here."
	got := parseVariations(raw)
	if len(got) != 3 {
		t.Fatalf("parseVariations() returned %d blocks, want 3", len(got))
	}
	if got[1] != "Second variation here." {
		t.Errorf("block[1] = %q", got[1])
	}
}

func TestParseVariations_ParagraphFallback(t *testing.T) {
	raw := "Variation one.\n\nVariation two.\n\nVariation three."
	got := parseVariations(raw)
	if len(got) != 3 {
		t.Fatalf("fallback split returned %d blocks, want 3", len(got))
	}
}

func TestParseTestCases_NumberedList(t *testing.T) {
	raw := "Here are the cases:\n1. Write a post about Go\n2) Summarize this article\n3. What is 2+2?"
	got := parseTestCases(raw)
	if len(got) != 3 {
		t.Fatalf("parseTestCases() returned %d, want 3", len(got))
	}
	if got[1] != "Summarize this article" {
		t.Errorf("item[1] = %q", got[1])
	}
}

func TestParseTestCases_LineFallback(t *testing.T) {
	raw := "just one input\nand another"
	got := parseTestCases(raw)
	if len(got) != 2 {
		t.Fatalf("line fallback returned %d, want 2", len(got))
	}
}

func TestExtractScore(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"Score: 8.5\nSolid response overall.", 8.5},
		{"I'd rate this 7/10 because it is decent.", 7},
		{"score = 9", 9},
		{"Maybe a 6 at best.", 6},
		{"Score: 15 out of the usual range", 10}, // clamped
		{"no digits at all", 7},                  // default
	}
	for _, tt := range tests {
		if got := extractScore(tt.raw); got != tt.want {
			t.Errorf("extractScore(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

// ─── Catalog ────────────────────────────────────────────────

func TestCatalogFirstEntryMatchesDefault(t *testing.T) {
	for _, p := range models.Providers {
		catalog := ModelsFor(p)
		if len(catalog) == 0 {
			t.Errorf("provider %s has empty catalog", p)
			continue
		}
		if catalog[0] != models.DefaultModel(p) {
			t.Errorf("provider %s: catalog[0] = %q, default = %q", p, catalog[0], models.DefaultModel(p))
		}
	}
}

// ─── HTTP calls ─────────────────────────────────────────────

func openAIStub(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer auth")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
		})
	}))
}

func TestGenerateMetaPrompt(t *testing.T) {
	srv := openAIStub(t, "  You are a careful blog-writing assistant...  ")
	defer srv.Close()

	c := NewClient(Credentials{OpenAIKey: "test-key", OpenAIEndpoint: srv.URL})
	got, err := c.GenerateMetaPrompt(context.Background(), "help me write blogs", models.DefaultModelConfig(models.ProviderOpenAI))
	if err != nil {
		t.Fatalf("GenerateMetaPrompt() error = %v", err)
	}
	if got != "You are a careful blog-writing assistant..." {
		t.Errorf("output not trimmed: %q", got)
	}
}

func TestGenerateVariations_ViaGroq(t *testing.T) {
	srv := openAIStub(t, "Variation A\n---\nVariation B\n---\nVariation C")
	defer srv.Close()

	c := NewClient(Credentials{GroqKey: "test-key", GroqEndpoint: srv.URL})
	got, err := c.GenerateVariations(context.Background(), "some meta prompt", models.DefaultModelConfig(models.ProviderGroq))
	if err != nil {
		t.Fatalf("GenerateVariations() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d variations, want 3", len(got))
	}
}

func TestEvaluate_AgentTag(t *testing.T) {
	srv := openAIStub(t, "Score: 8\nThe response addresses the input directly.")
	defer srv.Close()

	c := NewClient(Credentials{OpenAIKey: "test-key", OpenAIEndpoint: srv.URL})
	cfg := models.DefaultModelConfig(models.ProviderOpenAI)
	v, err := c.Evaluate(context.Background(), "sys", "input", models.EvaluationCriterion{Name: "Relevance"}, cfg)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v.Score != 8 {
		t.Errorf("Score = %v, want 8", v.Score)
	}
	want := "openai-" + cfg.Model + "-crew"
	if v.Agent != want {
		t.Errorf("Agent = %q, want %q", v.Agent, want)
	}
}

func TestCallAnthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hello from claude"}},
			"usage":   map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c := NewClient(Credentials{AnthropicKey: "test-key", AnthropicEndpoint: srv.URL})
	got, err := c.GenerateResponse(context.Background(), "sys", "hi", models.DefaultModelConfig(models.ProviderAnthropic))
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if got != "hello from claude" {
		t.Errorf("content = %q", got)
	}
}

func TestCallGoogle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") == "" {
			t.Error("missing key query param")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "gemini says hi"}}}},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 12, "candidatesTokenCount": 4},
		})
	}))
	defer srv.Close()

	c := NewClient(Credentials{GoogleKey: "test-key", GoogleEndpoint: srv.URL})
	got, err := c.GenerateResponse(context.Background(), "sys", "hi", models.DefaultModelConfig(models.ProviderGoogle))
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if got != "gemini says hi" {
		t.Errorf("content = %q", got)
	}
}

func TestChat_MissingKey(t *testing.T) {
	c := NewClient(Credentials{})
	_, err := c.GenerateMetaPrompt(context.Background(), "x", models.DefaultModelConfig(models.ProviderOpenAI))
	if err == nil {
		t.Fatal("call without API key should fail")
	}
}

func TestCostSummaryAccumulates(t *testing.T) {
	srv := openAIStub(t, "output")
	defer srv.Close()

	c := NewClient(Credentials{OpenAIKey: "test-key", OpenAIEndpoint: srv.URL})
	cfg := models.DefaultModelConfig(models.ProviderOpenAI)
	for i := 0; i < 3; i++ {
		if _, err := c.GenerateResponse(context.Background(), "sys", "hi", cfg); err != nil {
			t.Fatalf("GenerateResponse() error = %v", err)
		}
	}

	summary := c.CostSummary()
	if len(summary.Models) != 1 {
		t.Fatalf("summary has %d entries, want 1", len(summary.Models))
	}
	entry := summary.Models[0]
	if entry.Calls != 3 {
		t.Errorf("Calls = %d, want 3", entry.Calls)
	}
	if entry.InputTokens != 300 || entry.OutputTokens != 150 {
		t.Errorf("tokens = %d/%d, want 300/150", entry.InputTokens, entry.OutputTokens)
	}
	if summary.TotalCost <= 0 {
		t.Error("TotalCost should be positive")
	}
}

func TestTestConnection_NoKey(t *testing.T) {
	c := NewClient(Credentials{})
	res := c.TestConnection(context.Background(), models.ProviderGroq)
	if res.Healthy {
		t.Error("connection without key should not be healthy")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}
