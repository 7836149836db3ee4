// Package pipeline runs the generative stages of the optimizer: meta prompt,
// variations, and test cases. Each runner checks its preconditions, makes
// exactly one collaborator call, validates the payload against the stage's
// acceptance criteria, and writes the outcome back to the store. Retry
// policy belongs to callers; a runner never retries on its own.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/store"
	"github.com/promptforge/promptforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// minMetaPromptLen is the acceptance floor for a generated meta prompt.
// Anything shorter is treated as a degenerate response.
const minMetaPromptLen = 100

// minVariations is the smallest accepted variation batch.
const minVariations = 3

// Generator is the external generation collaborator.
type Generator interface {
	GenerateMetaPrompt(ctx context.Context, basePrompt string, cfg models.ModelConfig) (string, error)
	GenerateVariations(ctx context.Context, metaPrompt string, cfg models.ModelConfig) ([]string, error)
	GenerateTestCases(ctx context.Context, metaPrompt string, cfg models.ModelConfig) ([]string, error)
}

// Runner executes the generative stages against the pipeline store.
type Runner struct {
	store    store.Store
	ai       Generator
	notifier *notify.Center
}

func NewRunner(s store.Store, ai Generator, n *notify.Center) *Runner {
	return &Runner{store: s, ai: ai, notifier: n}
}

// ── Meta Prompt ─────────────────────────────────────────────

// RunMetaPrompt expands a base prompt into a meta prompt and writes it to
// the meta prompt stage. The validated payload is returned so callers can
// chain into the next stage without re-reading state.
func (r *Runner) RunMetaPrompt(ctx context.Context, basePrompt string, cfg models.ModelConfig) (models.MetaPrompt, error) {
	basePrompt = strings.TrimSpace(basePrompt)
	if basePrompt == "" {
		return models.MetaPrompt{}, r.reject(models.StageMetaPrompt, validationf("base prompt is empty"))
	}
	if !cfg.Provider.Valid() {
		return models.MetaPrompt{}, r.reject(models.StageMetaPrompt, validationf("model config is missing or has an unknown provider"))
	}

	r.stageStart(models.StageMetaPrompt)
	r.store.UpdateStage(models.StageBasePrompt, models.StageUpdate{
		BasePrompt:  &basePrompt,
		ModelConfig: &cfg,
	})

	generated, err := r.ai.GenerateMetaPrompt(ctx, basePrompt, cfg)
	if err != nil {
		return models.MetaPrompt{}, r.fail(models.StageMetaPrompt, &TransportError{Stage: models.StageMetaPrompt, Err: err})
	}

	generated = strings.TrimSpace(generated)
	switch {
	case generated == "":
		return models.MetaPrompt{}, r.fail(models.StageMetaPrompt, &GenerationRejectedError{
			Stage: models.StageMetaPrompt, Reason: "empty response"})
	case len(generated) < minMetaPromptLen:
		return models.MetaPrompt{}, r.fail(models.StageMetaPrompt, &GenerationRejectedError{
			Stage: models.StageMetaPrompt, Reason: "response too short to be a usable system prompt"})
	case generated == basePrompt:
		return models.MetaPrompt{}, r.fail(models.StageMetaPrompt, &GenerationRejectedError{
			Stage: models.StageMetaPrompt, Reason: "response echoes the input prompt"})
	}

	mp := models.MetaPrompt{
		ID:              time.Now().UnixMilli(),
		BasePrompt:      basePrompt,
		GeneratedPrompt: generated,
		ModelConfig:     cfg,
	}
	r.store.UpdateStage(models.StageMetaPrompt, models.StageUpdate{
		MetaPrompt:   &mp,
		IsGenerating: boolp(false),
		Error:        strp(""),
	})

	log.Info().Int64("meta_prompt_id", mp.ID).Int("length", len(generated)).Msg("Meta prompt generated")
	return mp, nil
}

// EditMetaPrompt applies a hand edit to the generated prompt in place,
// keeping the original id.
func (r *Runner) EditMetaPrompt(generatedPrompt string) (models.MetaPrompt, error) {
	data := r.store.GetStage(models.StageMetaPrompt)
	if data.MetaPrompt == nil {
		return models.MetaPrompt{}, validationf("no meta prompt to edit")
	}
	mp := *data.MetaPrompt
	mp.GeneratedPrompt = generatedPrompt
	r.store.UpdateStage(models.StageMetaPrompt, models.StageUpdate{MetaPrompt: &mp})
	return mp, nil
}

// ── Variations ──────────────────────────────────────────────

// RunVariations generates a fresh variation batch from a meta prompt. The
// previous batch is replaced wholesale.
func (r *Runner) RunVariations(ctx context.Context, mp models.MetaPrompt, cfg models.ModelConfig) ([]models.PromptVariation, error) {
	if strings.TrimSpace(mp.GeneratedPrompt) == "" {
		return nil, r.reject(models.StageVariations, validationf("meta prompt has not been generated yet"))
	}
	if !cfg.Provider.Valid() {
		return nil, r.reject(models.StageVariations, validationf("model config is missing or has an unknown provider"))
	}

	r.stageStart(models.StageVariations)

	items, err := r.ai.GenerateVariations(ctx, mp.GeneratedPrompt, cfg)
	if err != nil {
		return nil, r.fail(models.StageVariations, &TransportError{Stage: models.StageVariations, Err: err})
	}

	if len(items) < minVariations {
		return nil, r.fail(models.StageVariations, &GenerationRejectedError{
			Stage: models.StageVariations, Reason: "fewer than 3 variations returned"})
	}
	if allIdentical(items) {
		return nil, r.fail(models.StageVariations, &GenerationRejectedError{
			Stage: models.StageVariations, Reason: "all variations are identical"})
	}

	batch := make([]models.PromptVariation, len(items))
	for i, content := range items {
		batch[i] = models.PromptVariation{
			ID:           i,
			MetaPromptID: mp.ID,
			Content:      content,
			ModelConfig:  cfg,
		}
	}
	r.store.UpdateStage(models.StageVariations, models.StageUpdate{
		Variations:   &batch,
		IsGenerating: boolp(false),
		Error:        strp(""),
	})

	log.Info().Int("count", len(batch)).Msg("Variations generated")
	return batch, nil
}

// allIdentical reports whether every entry collapses to the same string
// after whitespace normalization.
func allIdentical(items []string) bool {
	first := normalizeWhitespace(items[0])
	for _, item := range items[1:] {
		if normalizeWhitespace(item) != first {
			return false
		}
	}
	return true
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ── Test Cases ──────────────────────────────────────────────

// RunTestCases generates a fresh test case batch from a meta prompt.
func (r *Runner) RunTestCases(ctx context.Context, mp models.MetaPrompt, cfg models.ModelConfig) ([]models.TestCase, error) {
	if strings.TrimSpace(mp.GeneratedPrompt) == "" {
		return nil, r.reject(models.StageTestCases, validationf("meta prompt has not been generated yet"))
	}
	if !cfg.Provider.Valid() {
		return nil, r.reject(models.StageTestCases, validationf("model config is missing or has an unknown provider"))
	}

	r.stageStart(models.StageTestCases)

	items, err := r.ai.GenerateTestCases(ctx, mp.GeneratedPrompt, cfg)
	if err != nil {
		return nil, r.fail(models.StageTestCases, &TransportError{Stage: models.StageTestCases, Err: err})
	}
	if len(items) == 0 {
		return nil, r.fail(models.StageTestCases, &GenerationRejectedError{
			Stage: models.StageTestCases, Reason: "no test cases returned"})
	}

	batch := make([]models.TestCase, len(items))
	for i, input := range items {
		batch[i] = models.TestCase{
			ID:              i,
			MetaPromptID:    mp.ID,
			Input:           input,
			IsAutoGenerated: true,
		}
	}
	r.store.UpdateStage(models.StageTestCases, models.StageUpdate{
		TestCases:    &batch,
		IsGenerating: boolp(false),
		Error:        strp(""),
	})

	log.Info().Int("count", len(batch)).Msg("Test cases generated")
	return batch, nil
}

// ── Shared lifecycle helpers ────────────────────────────────

func (r *Runner) stageStart(stage models.PipelineStage) {
	r.store.UpdateStage(stage, models.StageUpdate{
		IsGenerating: boolp(true),
		Error:        strp(""),
	})
}

// fail clears the stage's in-flight flag, records the error on the stage,
// surfaces a notification, and returns err for the caller to propagate.
func (r *Runner) fail(stage models.PipelineStage, err error) error {
	msg := err.Error()
	r.store.UpdateStage(stage, models.StageUpdate{
		IsGenerating: boolp(false),
		Error:        &msg,
	})
	if r.notifier != nil {
		r.notifier.Error(stageTitle(stage)+" failed", msg)
	}
	log.Warn().Str("stage", string(stage)).Err(err).Msg("Stage failed")
	return err
}

// reject surfaces a precondition failure without touching in-flight flags;
// no call was attempted so no spinner was ever shown.
func (r *Runner) reject(stage models.PipelineStage, err error) error {
	msg := err.Error()
	r.store.UpdateStage(stage, models.StageUpdate{Error: &msg})
	if r.notifier != nil {
		r.notifier.Error(stageTitle(stage)+" failed", msg)
	}
	return err
}

func stageTitle(stage models.PipelineStage) string {
	switch stage {
	case models.StageMetaPrompt:
		return "Meta prompt"
	case models.StageVariations:
		return "Variations"
	case models.StageTestCases:
		return "Test cases"
	case models.StageEvaluation:
		return "Evaluation"
	default:
		return string(stage)
	}
}

func boolp(b bool) *bool    { return &b }
func strp(s string) *string { return &s }
