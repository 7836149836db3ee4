package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// ── Pipeline Stages ──────────────────────────────────────────

// PipelineStage identifies one node in the fixed optimization pipeline.
type PipelineStage string

const (
	StageBasePrompt PipelineStage = "base_prompt"
	StageMetaPrompt PipelineStage = "meta_prompt"
	StageVariations PipelineStage = "variations"
	StageTestCases  PipelineStage = "test_cases"
	StageEvaluation PipelineStage = "evaluation"
	StageResults    PipelineStage = "results"
	StageModelArena PipelineStage = "model_arena"
)

// StageOrder is the canonical sequencing used by auto mode and by the
// default flow layout. Results and model arena are downstream views fed
// identically at the end of a run.
var StageOrder = []PipelineStage{
	StageBasePrompt,
	StageMetaPrompt,
	StageVariations,
	StageTestCases,
	StageEvaluation,
	StageResults,
	StageModelArena,
}

func (s PipelineStage) Valid() bool {
	for _, st := range StageOrder {
		if s == st {
			return true
		}
	}
	return false
}

// ── Model Configuration ──────────────────────────────────────

// Provider names an AI model provider reachable through the generation client.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderGroq      Provider = "groq"
)

var Providers = []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderGroq}

func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderGroq:
		return true
	}
	return false
}

// ModelConfig is an immutable value passed by copy into every stage call.
// Optional fields are pointers so provider-specific knobs can be omitted
// entirely rather than sent as zero values.
type ModelConfig struct {
	Provider    Provider `json:"provider"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p"`

	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"` // openai, groq
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`  // openai, groq
	TopK             *int     `json:"top_k,omitempty"`             // anthropic, google
}

// defaultModels maps each provider to its first catalog entry. Switching
// provider resets the model to this value.
var defaultModels = map[Provider]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-20241022",
	ProviderGoogle:    "gemini-1.5-flash",
	ProviderGroq:      "llama-3.1-8b-instant",
}

// DefaultModel returns the model a fresh ModelConfig for the provider uses.
func DefaultModel(p Provider) string {
	return defaultModels[p]
}

// DefaultModelConfig builds the standard starting configuration for a provider.
func DefaultModelConfig(p Provider) ModelConfig {
	if !p.Valid() {
		p = ProviderOpenAI
	}
	return ModelConfig{
		Provider:    p,
		Model:       defaultModels[p],
		Temperature: 0.7,
		MaxTokens:   2048,
		TopP:        1.0,
	}
}

// ── Pipeline Entities ────────────────────────────────────────

// MetaPrompt is the expanded system prompt generated from a base prompt.
// The id is the creation-time unix millisecond timestamp; hand edits mutate
// GeneratedPrompt in place and keep the id.
type MetaPrompt struct {
	ID              int64       `json:"id"`
	BasePrompt      string      `json:"base_prompt"`
	GeneratedPrompt string      `json:"generated_prompt"`
	ModelConfig     ModelConfig `json:"model_config"`
}

// PromptVariation is one candidate rewrite of a meta prompt. Batches are
// replaced wholesale on regeneration; ids are 0-based within a batch.
type PromptVariation struct {
	ID           int         `json:"id"`
	MetaPromptID int64       `json:"meta_prompt_id"`
	Content      string      `json:"content"`
	ModelConfig  ModelConfig `json:"model_config"`
}

type TestCase struct {
	ID              int    `json:"id"`
	MetaPromptID    int64  `json:"meta_prompt_id"`
	Input           string `json:"input"`
	IsAutoGenerated bool   `json:"is_auto_generated"`
}

// EvaluationCriterion weights one scoring dimension. Weight is clamped to
// [1,5] everywhere it is consumed; a missing weight counts as 1.
type EvaluationCriterion struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Weight      int         `json:"weight"`
	ModelConfig ModelConfig `json:"model_config"`
}

// DefaultCriteria returns the five criteria seeded the first time the
// evaluation stage is used with an empty criterion set.
func DefaultCriteria() []EvaluationCriterion {
	cfg := DefaultModelConfig(ProviderOpenAI)
	return []EvaluationCriterion{
		{ID: 1, Name: "Relevance", Description: "How well the response addresses the test input", Weight: 3, ModelConfig: cfg},
		{ID: 2, Name: "Coherence", Description: "Logical flow and internal consistency of the response", Weight: 2, ModelConfig: cfg},
		{ID: 3, Name: "Accuracy", Description: "Factual correctness of the response content", Weight: 3, ModelConfig: cfg},
		{ID: 4, Name: "Creativity", Description: "Originality and inventiveness of the response", Weight: 2, ModelConfig: cfg},
		{ID: 5, Name: "Conciseness", Description: "Brevity without loss of necessary detail", Weight: 1, ModelConfig: cfg},
	}
}

// ── Evaluation Results ───────────────────────────────────────

// AgentEvaluationResult is one agent's raw verdict for a single
// (variation, test case, criterion) triple. Several agents score the same
// triple, so multiple rows share the same key.
type AgentEvaluationResult struct {
	VariationID int     `json:"variation_id"`
	TestCaseID  int     `json:"test_case_id"`
	CriterionID int     `json:"criterion_id"`
	Score       float64 `json:"score"`
	Reasoning   string  `json:"reasoning"`
	Agent       string  `json:"agent"`
}

// EvaluationResult is the per-triple aggregate of all agent verdicts:
// mean score, concatenated reasoning, agent names joined. Regenerated
// wholesale on every evaluation run.
type EvaluationResult struct {
	ID             int     `json:"id"`
	VariationID    int     `json:"variation_id"`
	TestCaseID     int     `json:"test_case_id"`
	CriterionID    int     `json:"criterion_id"`
	Score          float64 `json:"score"`
	Response       string  `json:"response"`
	EvaluatorModel string  `json:"evaluator_model"`
}

// BestModel pairs an evaluator tag with its normalized total score for a
// variation. This axis is unweighted on purpose; it measures raw model
// performance, not criterion importance.
type BestModel struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
}

// AggregatedVariationResult is the derived leaderboard row for one variation.
// Never persisted; recomputed from EvaluationResult rows on demand.
type AggregatedVariationResult struct {
	VariationID  int             `json:"variation_id"`
	Content      string          `json:"content"`
	AverageScore float64         `json:"average_score"`
	Scores       map[int]float64 `json:"scores"`
	BestModel    BestModel       `json:"best_model"`
}

// ── Stage Data & Updates ─────────────────────────────────────

// StageData is the payload superset held per stage. Each stage populates
// only the fields relevant to it; the rest stay at their zero values.
type StageData struct {
	BasePrompt  string                `json:"base_prompt,omitempty"`
	ModelConfig *ModelConfig          `json:"model_config,omitempty"`
	MetaPrompt  *MetaPrompt           `json:"meta_prompt,omitempty"`
	Variations  []PromptVariation     `json:"variations,omitempty"`
	TestCases   []TestCase            `json:"test_cases,omitempty"`
	Criteria    []EvaluationCriterion `json:"criteria,omitempty"`
	Results     []EvaluationResult    `json:"results,omitempty"`

	// In-flight flags. Always written through on update, even when the
	// value is unchanged, so observers see every transition.
	IsGenerating bool `json:"is_generating"`
	IsEvaluating bool `json:"is_evaluating"`
	IsComparing  bool `json:"is_comparing"`
	IsAutoMode   bool `json:"is_auto_mode"`

	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// StageUpdate is a partial StageData. Nil fields are left untouched by the
// merge; non-nil fields are candidates for writing.
type StageUpdate struct {
	BasePrompt  *string                `json:"base_prompt,omitempty"`
	ModelConfig *ModelConfig           `json:"model_config,omitempty"`
	MetaPrompt  *MetaPrompt            `json:"meta_prompt,omitempty"`
	Variations  *[]PromptVariation     `json:"variations,omitempty"`
	TestCases   *[]TestCase            `json:"test_cases,omitempty"`
	Criteria    *[]EvaluationCriterion `json:"criteria,omitempty"`
	Results     *[]EvaluationResult    `json:"results,omitempty"`

	IsGenerating *bool `json:"is_generating,omitempty"`
	IsEvaluating *bool `json:"is_evaluating,omitempty"`
	IsComparing  *bool `json:"is_comparing,omitempty"`
	IsAutoMode   *bool `json:"is_auto_mode,omitempty"`

	Progress *float64 `json:"progress,omitempty"`
	Error    *string  `json:"error,omitempty"`
}

// ── Flow Document ────────────────────────────────────────────

// Position is a node's canvas coordinate. Unmarshal tolerates non-numeric
// values and coerces them to 0 instead of rejecting the document.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var raw struct {
		X json.RawMessage `json:"x"`
		Y json.RawMessage `json:"y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		p.X, p.Y = 0, 0
		return nil
	}
	p.X = coerceCoord(raw.X)
	p.Y = coerceCoord(raw.Y)
	return nil
}

func coerceCoord(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

// FlowNode binds a pipeline stage to its canvas position and payload.
type FlowNode struct {
	ID       string        `json:"id"`
	Stage    PipelineStage `json:"stage"`
	Position Position      `json:"position"`
	Data     StageData     `json:"data"`
}

type FlowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// FlowDocument is the export/import and persistence unit for the whole graph.
type FlowDocument struct {
	Nodes      []FlowNode `json:"nodes"`
	Edges      []FlowEdge `json:"edges"`
	ExportedAt time.Time  `json:"exportedAt"`
}

// ── Auto Runs ────────────────────────────────────────────────

type AutoRunStatus string

const (
	AutoRunIdle      AutoRunStatus = "idle"
	AutoRunRunning   AutoRunStatus = "running"
	AutoRunCompleted AutoRunStatus = "completed"
	AutoRunFailed    AutoRunStatus = "failed"
	AutoRunStopped   AutoRunStatus = "stopped"
)

// AutoRun records one end-to-end auto-mode execution.
type AutoRun struct {
	ID          string        `json:"id"`
	BasePrompt  string        `json:"base_prompt"`
	Status      AutoRunStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMs  int64         `json:"duration_ms,omitempty"`
}

// ── Cost & Latency ───────────────────────────────────────────

// ModelCost accumulates usage for one provider/model pairing.
type ModelCost struct {
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	Calls        int      `json:"calls"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	TotalCost    float64  `json:"total_cost"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
}

type CostSummary struct {
	Models    []ModelCost `json:"models"`
	TotalCost float64     `json:"total_cost"`
}

// ── Notifications ────────────────────────────────────────────

type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// Notification is one user-visible event: stage failures, manual stops,
// completed runs.
type Notification struct {
	ID        string            `json:"id"`
	Level     NotificationLevel `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	CreatedAt time.Time         `json:"created_at"`
}
