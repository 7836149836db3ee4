// Package provider implements the AI generation and evaluation client for
// the optimizer pipeline.
//
// One HTTP call path per provider (OpenAI, Anthropic, Google, Groq), plus
// per-model cost estimation and rolling latency tracking used by the model
// arena view. Groq speaks the OpenAI chat format on its own endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/promptforge/promptforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Credentials carries API keys and endpoint overrides per provider. Empty
// endpoints fall back to the public API hosts.
type Credentials struct {
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	GroqKey      string

	OpenAIEndpoint    string
	AnthropicEndpoint string
	GoogleEndpoint    string
	GroqEndpoint      string
}

// Verdict is one evaluator's raw judgment of a single triple.
type Verdict struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
	Agent     string  `json:"agent"`
}

// TestResult reports a credential-validating provider check.
type TestResult struct {
	Provider  models.Provider `json:"provider"`
	Healthy   bool            `json:"healthy"`
	Model     string          `json:"model,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
	Error     string          `json:"error,omitempty"`
}

// Client talks to the configured AI providers.
type Client struct {
	creds  Credentials
	client *http.Client

	// Latency tracking: provider/model → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64

	// Cost tracking: provider/model → accumulated usage
	costMu sync.RWMutex
	costs  map[string]*models.ModelCost
}

// NewClient creates a provider client. The HTTP timeout is generous; tight
// per-call deadlines come from caller contexts.
func NewClient(creds Credentials) *Client {
	return &Client{
		creds:     creds,
		client:    &http.Client{Timeout: 120 * time.Second},
		latencies: make(map[string]int64),
		costs:     make(map[string]*models.ModelCost),
	}
}

// HasKey reports whether a provider has credentials configured.
func (c *Client) HasKey(p models.Provider) bool {
	switch p {
	case models.ProviderOpenAI:
		return c.creds.OpenAIKey != ""
	case models.ProviderAnthropic:
		return c.creds.AnthropicKey != ""
	case models.ProviderGoogle:
		return c.creds.GoogleKey != ""
	case models.ProviderGroq:
		return c.creds.GroqKey != ""
	}
	return false
}

// ── Pipeline operations ─────────────────────────────────────

// GenerateMetaPrompt expands a base prompt into a full system prompt.
func (c *Client) GenerateMetaPrompt(ctx context.Context, basePrompt string, cfg models.ModelConfig) (string, error) {
	out, err := c.chat(ctx, cfg, metaPromptSystem, basePrompt)
	if err != nil {
		return "", fmt.Errorf("meta prompt generation: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// GenerateVariations produces candidate rewrites of a meta prompt.
func (c *Client) GenerateVariations(ctx context.Context, metaPrompt string, cfg models.ModelConfig) ([]string, error) {
	out, err := c.chat(ctx, cfg, variationsSystem, metaPrompt)
	if err != nil {
		return nil, fmt.Errorf("variation generation: %w", err)
	}
	return parseVariations(out), nil
}

// GenerateTestCases produces test inputs exercising a meta prompt.
func (c *Client) GenerateTestCases(ctx context.Context, metaPrompt string, cfg models.ModelConfig) ([]string, error) {
	out, err := c.chat(ctx, cfg, testCasesSystem, metaPrompt)
	if err != nil {
		return nil, fmt.Errorf("test case generation: %w", err)
	}
	return parseTestCases(out), nil
}

// Evaluate scores one (system prompt, test input, criterion) triple. The
// agent tag identifies the provider/model pairing that produced the verdict.
func (c *Client) Evaluate(ctx context.Context, systemPrompt, testInput string, criterion models.EvaluationCriterion, cfg models.ModelConfig) (Verdict, error) {
	user := fmt.Sprintf(
		"System prompt:\n%s\n\nTest input:\n%s\n\nCriterion: %s — %s",
		systemPrompt, testInput, criterion.Name, criterion.Description,
	)
	out, err := c.chat(ctx, cfg, evaluationSystem, user)
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluation call: %w", err)
	}
	return Verdict{
		Score:     extractScore(out),
		Reasoning: strings.TrimSpace(out),
		Agent:     fmt.Sprintf("%s-%s-crew", cfg.Provider, cfg.Model),
	}, nil
}

// GenerateResponse runs a plain system-prompt completion for the model arena.
func (c *Client) GenerateResponse(ctx context.Context, systemPrompt, userInput string, cfg models.ModelConfig) (string, error) {
	out, err := c.chat(ctx, cfg, systemPrompt, userInput)
	if err != nil {
		return "", fmt.Errorf("arena response: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// TestConnection sends a minimal 1-token completion to validate credentials.
func (c *Client) TestConnection(ctx context.Context, p models.Provider) TestResult {
	result := TestResult{Provider: p}
	if !p.Valid() {
		result.Error = "unknown provider"
		return result
	}
	if !c.HasKey(p) {
		result.Error = "no API key configured"
		return result
	}

	cfg := models.DefaultModelConfig(p)
	cfg.MaxTokens = 1

	testCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.chat(testCtx, cfg, "", "Say OK")
	result.LatencyMs = time.Since(start).Milliseconds()
	result.Model = cfg.Model
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Healthy = true
	return result
}

// ── Dispatch ────────────────────────────────────────────────

func (c *Client) chat(ctx context.Context, cfg models.ModelConfig, system, user string) (string, error) {
	if cfg.Model == "" {
		cfg.Model = models.DefaultModel(cfg.Provider)
	}

	start := time.Now()

	var content string
	var in, out int64
	var err error

	switch cfg.Provider {
	case models.ProviderOpenAI:
		content, in, out, err = c.callOpenAICompat(ctx, c.creds.OpenAIEndpoint, "https://api.openai.com/v1", c.creds.OpenAIKey, cfg, system, user)
	case models.ProviderGroq:
		content, in, out, err = c.callOpenAICompat(ctx, c.creds.GroqEndpoint, "https://api.groq.com/openai/v1", c.creds.GroqKey, cfg, system, user)
	case models.ProviderAnthropic:
		content, in, out, err = c.callAnthropic(ctx, cfg, system, user)
	case models.ProviderGoogle:
		content, in, out, err = c.callGoogle(ctx, cfg, system, user)
	default:
		return "", fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return "", err
	}

	c.trackUsage(cfg.Provider, cfg.Model, in, out, time.Since(start).Milliseconds())
	return content, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── OpenAI-compatible providers (OpenAI, Groq) ──────────────

type openAIRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) callOpenAICompat(ctx context.Context, endpoint, defaultEndpoint, apiKey string, cfg models.ModelConfig, system, user string) (string, int64, int64, error) {
	name := string(cfg.Provider)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("%s: api key not configured", name)
	}

	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, _ := json.Marshal(openAIRequest{
		Model:            cfg.Model,
		Messages:         messages,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("%s: create request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%s: request failed: %w", name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", 0, 0, fmt.Errorf("%s: status %d: %s", name, httpResp.StatusCode, string(respBody))
	}

	var resp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", 0, 0, fmt.Errorf("%s: decode response: %w", name, err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("%s: empty choices in response", name)
	}
	return resp.Choices[0].Message.Content, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) callAnthropic(ctx context.Context, cfg models.ModelConfig, system, user string) (string, int64, int64, error) {
	endpoint := c.creds.AnthropicEndpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if c.creds.AnthropicKey == "" {
		return "", 0, 0, fmt.Errorf("anthropic: api key not configured")
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:       cfg.Model,
		System:      system,
		Messages:    []chatMessage{{Role: "user", Content: user}},
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		TopK:        cfg.TopK,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.creds.AnthropicKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", 0, 0, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", 0, 0, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", 0, 0, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return content.String(), resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

// ── Google (Gemini) ─────────────────────────────────────────

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	SystemInstruction *googleContent `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		TopP            float64 `json:"topP,omitempty"`
		TopK            *int    `json:"topK,omitempty"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) callGoogle(ctx context.Context, cfg models.ModelConfig, system, user string) (string, int64, int64, error) {
	endpoint := c.creds.GoogleEndpoint
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com"
	}
	if c.creds.GoogleKey == "" {
		return "", 0, 0, fmt.Errorf("google: api key not configured")
	}

	req := googleRequest{
		Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: user}}}},
	}
	if system != "" {
		req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: system}}}
	}
	req.GenerationConfig.Temperature = cfg.Temperature
	req.GenerationConfig.MaxOutputTokens = cfg.MaxTokens
	req.GenerationConfig.TopP = cfg.TopP
	req.GenerationConfig.TopK = cfg.TopK

	body, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", endpoint, cfg.Model, c.creds.GoogleKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", 0, 0, fmt.Errorf("google: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", 0, 0, fmt.Errorf("google: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp googleResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", 0, 0, fmt.Errorf("google: decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", 0, 0, fmt.Errorf("google: empty candidates in response")
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}
	return content.String(), resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount, nil
}

// ── Cost & Latency Tracking ─────────────────────────────────

func (c *Client) trackUsage(p models.Provider, model string, in, out, latencyMs int64) {
	key := string(p) + "/" + model

	c.latencyMu.Lock()
	prev := c.latencies[key]
	if prev == 0 {
		c.latencies[key] = latencyMs
	} else {
		// Exponential moving average
		c.latencies[key] = (prev*7 + latencyMs*3) / 10
	}
	c.latencyMu.Unlock()

	cost := float64(in)/1000*modelCost(model, "input") + float64(out)/1000*modelCost(model, "output")

	c.costMu.Lock()
	entry, ok := c.costs[key]
	if !ok {
		entry = &models.ModelCost{Provider: p, Model: model}
		c.costs[key] = entry
	}
	entry.Calls++
	entry.InputTokens += int(in)
	entry.OutputTokens += int(out)
	entry.TotalCost += cost
	c.costMu.Unlock()

	log.Debug().
		Str("provider", string(p)).
		Str("model", model).
		Int64("latency_ms", latencyMs).
		Float64("cost", cost).
		Msg("Provider call tracked")
}

// CostSummary snapshots accumulated per-model usage, sorted by total cost
// descending, with the rolling average latency folded in.
func (c *Client) CostSummary() models.CostSummary {
	c.costMu.RLock()
	summary := models.CostSummary{Models: make([]models.ModelCost, 0, len(c.costs))}
	for key, entry := range c.costs {
		cp := *entry
		c.latencyMu.RLock()
		cp.AvgLatencyMs = float64(c.latencies[key])
		c.latencyMu.RUnlock()
		summary.Models = append(summary.Models, cp)
		summary.TotalCost += cp.TotalCost
	}
	c.costMu.RUnlock()

	sort.Slice(summary.Models, func(i, j int) bool {
		return summary.Models[i].TotalCost > summary.Models[j].TotalCost
	})
	return summary
}
