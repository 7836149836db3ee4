// Package evaluate runs the evaluation matrix: every variation against
// every test case against every criterion, one triple at a time, with
// deterministic fallbacks so a failing evaluator never aborts the batch.
package evaluate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/promptforge/promptforge/internal/pipeline"
	"github.com/promptforge/promptforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Options tune the engine's pacing. Zero delays are valid (tests); the
// defaults are the production courtesy values.
type Options struct {
	// TripleDelay is the pause between triples, a rate-limiting courtesy
	// to the external evaluator.
	TripleDelay time.Duration

	// CallTimeout bounds one agent evaluation call.
	CallTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		TripleDelay: 300 * time.Millisecond,
		CallTimeout: 15 * time.Second,
	}
}

// Engine executes the evaluation matrix serially. Concurrency is
// deliberately absent: external evaluators are rate-limited.
type Engine struct {
	primary Agent
	second  Perspective
	opts    Options
}

func NewEngine(primary Agent, second Perspective, opts Options) *Engine {
	return &Engine{primary: primary, second: second, opts: opts}
}

// EvaluateAll walks the cross product variation-major, then test case, then
// criterion. Each triple yields at least two results: the primary verdict
// plus the synthesized second perspective, or the deterministic fallback
// pair when the live call fails. onProgress fires after every triple with
// the completed percentage; it is also the caller's stop checkpoint.
//
// Cancelling ctx aborts between triples; an in-flight call is not
// interrupted beyond its own timeout.
func (e *Engine) EvaluateAll(
	ctx context.Context,
	variations []models.PromptVariation,
	testCases []models.TestCase,
	criteria []models.EvaluationCriterion,
	onProgress func(percent float64),
) ([]models.AgentEvaluationResult, error) {
	if len(variations) == 0 {
		return nil, &pipeline.ValidationError{Msg: "evaluation requires at least one variation"}
	}
	if len(testCases) == 0 {
		return nil, &pipeline.ValidationError{Msg: "evaluation requires at least one test case"}
	}
	if len(criteria) == 0 {
		return nil, &pipeline.ValidationError{Msg: "evaluation requires at least one criterion"}
	}

	total := len(variations) * len(testCases) * len(criteria)
	results := make([]models.AgentEvaluationResult, 0, total*2)
	completed := 0

	log.Info().
		Int("variations", len(variations)).
		Int("test_cases", len(testCases)).
		Int("criteria", len(criteria)).
		Int("triples", total).
		Msg("Evaluation started")

	for _, v := range variations {
		for _, tc := range testCases {
			for _, crit := range criteria {
				if err := ctx.Err(); err != nil {
					return results, err
				}
				if completed > 0 && e.opts.TripleDelay > 0 {
					select {
					case <-ctx.Done():
						return results, ctx.Err()
					case <-time.After(e.opts.TripleDelay):
					}
				}

				triple := Triple{Variation: v, TestCase: tc, Criterion: crit}
				results = append(results, e.scoreTriple(ctx, triple)...)

				completed++
				if onProgress != nil {
					onProgress(float64(completed) / float64(total) * 100)
				}
			}
		}
	}

	log.Info().Int("results", len(results)).Msg("Evaluation finished")
	return results, nil
}

// scoreTriple produces the triple's verdicts: primary plus perspective on
// success, fallback pair on any evaluator failure. Always returns two rows.
func (e *Engine) scoreTriple(ctx context.Context, t Triple) []models.AgentEvaluationResult {
	callCtx := ctx
	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}

	primary, err := e.primary.Score(callCtx, t)
	if err != nil {
		log.Warn().
			Int("variation", t.Variation.ID).
			Int("test_case", t.TestCase.ID).
			Int("criterion", t.Criterion.ID).
			Err(err).
			Msg("Evaluator failed, using deterministic fallback")
		return e.failover(t)
	}
	return []models.AgentEvaluationResult{primary, e.second.Derive(primary, t)}
}

// failover returns the deterministic fallback pair, dropping to the
// constant-score emergency pair if fallback construction itself panics.
// This tier must never fail.
func (e *Engine) failover(t Triple) (results []models.AgentEvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Fallback construction panicked, using emergency scores")
			results = emergencyResults(t)
		}
	}()
	return fallbackResults(t)
}

// ── Aggregation of raw agent results ────────────────────────

// ConvertAgentResults groups raw per-agent rows by triple (discovery order),
// averaging scores, concatenating tagged reasoning, and joining agent names.
// Result ids are a fresh 0-based sequence.
func ConvertAgentResults(raw []models.AgentEvaluationResult) []models.EvaluationResult {
	type key struct{ v, tc, c int }

	order := make([]key, 0)
	groups := make(map[key][]models.AgentEvaluationResult)
	for _, r := range raw {
		k := key{r.VariationID, r.TestCaseID, r.CriterionID}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := make([]models.EvaluationResult, 0, len(order))
	for i, k := range order {
		group := groups[k]

		var sum float64
		var reasoning strings.Builder
		agents := make([]string, 0, len(group))
		for j, r := range group {
			sum += r.Score
			if j > 0 {
				reasoning.WriteString("\n\n")
			}
			fmt.Fprintf(&reasoning, "[%s] %s", r.Agent, r.Reasoning)
			agents = append(agents, r.Agent)
		}

		out = append(out, models.EvaluationResult{
			ID:             i,
			VariationID:    k.v,
			TestCaseID:     k.tc,
			CriterionID:    k.c,
			Score:          sum / float64(len(group)),
			Response:       reasoning.String(),
			EvaluatorModel: strings.Join(agents, ", "),
		})
	}
	return out
}
