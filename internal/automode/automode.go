// Package automode runs the full optimization pipeline end to end: meta
// prompt, variations, test cases, criteria seeding, evaluation, and the
// final fan-out to the results and model arena stages.
//
// A run is single-flight. Stopping is cooperative: the orchestrator checks
// for cancellation at every stage boundary and between evaluation triples,
// so a stop lands at the next checkpoint and completed stages are kept.
package automode

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/promptforge/promptforge/internal/evaluate"
	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/pipeline"
	"github.com/promptforge/promptforge/internal/store"
	"github.com/promptforge/promptforge/pkg/models"
)

// Options tunes run pacing. Tests zero the delay.
type Options struct {
	// StageDelay is the propagation pause between pipeline stages so each
	// stage's output is observable before the next begins.
	StageDelay time.Duration
}

func DefaultOptions() Options {
	return Options{StageDelay: 500 * time.Millisecond}
}

// Orchestrator drives auto-mode executions.
type Orchestrator struct {
	store    store.Store
	runner   *pipeline.Runner
	engine   *evaluate.Engine
	notifier *notify.Center
	opts     Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(s store.Store, runner *pipeline.Runner, engine *evaluate.Engine, notifier *notify.Center, opts Options) *Orchestrator {
	return &Orchestrator{
		store:    s,
		runner:   runner,
		engine:   engine,
		notifier: notifier,
		opts:     opts,
	}
}

// Status reports whether a run is in flight plus the most recent run record.
type Status struct {
	Running bool            `json:"running"`
	Run     *models.AutoRun `json:"run,omitempty"`
}

// Start launches an auto run in the background and returns its run ID.
// A second Start while one is in flight is rejected.
func (o *Orchestrator) Start(basePrompt string, cfg models.ModelConfig) (string, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return "", &pipeline.ValidationError{Msg: "an auto run is already in progress"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	run := &models.AutoRun{
		ID:         uuid.New().String(),
		BasePrompt: basePrompt,
		Status:     models.AutoRunRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.store.CreateAutoRun(run); err != nil {
		cancel()
		o.release()
		return "", err
	}

	log.Info().
		Str("run_id", run.ID).
		Str("provider", string(cfg.Provider)).
		Str("model", cfg.Model).
		Msg("Auto run started")

	go func() {
		defer cancel()
		defer o.release()
		o.execute(ctx, run, basePrompt, cfg)
	}()
	return run.ID, nil
}

// Stop requests cancellation of the in-flight run. Returns false, with a
// user-visible notification, when nothing is running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()

	if cancel == nil {
		o.notifier.Info("Auto mode", "No auto run is in progress; nothing to stop.")
		return false
	}
	cancel()
	log.Info().Msg("Auto run stop requested")
	return true
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	return Status{Running: running, Run: o.store.LatestAutoRun()}
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
}

// ── Execution ───────────────────────────────────────────────

func (o *Orchestrator) execute(ctx context.Context, run *models.AutoRun, basePrompt string, cfg models.ModelConfig) {
	start := time.Now()
	defer o.clearFlags()

	err := o.runStages(ctx, basePrompt, cfg)

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.DurationMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		run.Status = models.AutoRunCompleted
		o.notifier.Info("Auto mode", "Auto run completed.")
		log.Info().Str("run_id", run.ID).Int64("duration_ms", run.DurationMs).Msg("Auto run completed")
	case errors.Is(err, pipeline.ErrManualAbort):
		run.Status = models.AutoRunStopped
		run.Error = err.Error()
		o.notifier.Warn("Auto mode", "Auto run stopped. Completed stages are kept.")
		log.Info().Str("run_id", run.ID).Msg("Auto run stopped")
	default:
		run.Status = models.AutoRunFailed
		run.Error = err.Error()
		o.notifier.Error("Auto mode", "Auto run failed: "+err.Error())
		log.Warn().Str("run_id", run.ID).Err(err).Msg("Auto run failed")
	}

	if uerr := o.store.UpdateAutoRun(run); uerr != nil {
		log.Error().Err(uerr).Str("run_id", run.ID).Msg("Failed to record auto run outcome")
	}
}

func (o *Orchestrator) runStages(ctx context.Context, basePrompt string, cfg models.ModelConfig) error {
	if strings.TrimSpace(basePrompt) == "" {
		return &pipeline.ValidationError{Msg: "base prompt is empty"}
	}
	if missing := o.missingStages(); len(missing) > 0 {
		return &pipeline.ValidationError{
			Msg: "flow is missing stages: " + strings.Join(missing, ", "),
		}
	}

	// A snapshot written mid-operation can restore a stale in-flight flag,
	// so every stage starts the run from a clean slate.
	o.clearFlags()
	o.store.UpdateStage(models.StageBasePrompt, models.StageUpdate{IsAutoMode: boolp(true)})

	if err := o.checkpoint(ctx); err != nil {
		return err
	}
	mp, err := o.runner.RunMetaPrompt(ctx, basePrompt, cfg)
	if err != nil {
		return o.mapAbort(ctx, err)
	}

	if err := o.pause(ctx); err != nil {
		return err
	}
	variations, err := o.runner.RunVariations(ctx, mp, cfg)
	if err != nil {
		return o.mapAbort(ctx, err)
	}

	if err := o.pause(ctx); err != nil {
		return err
	}
	testCases, err := o.runner.RunTestCases(ctx, mp, cfg)
	if err != nil {
		return o.mapAbort(ctx, err)
	}

	if err := o.pause(ctx); err != nil {
		return err
	}
	criteria := o.store.EnsureDefaultCriteria()

	o.store.UpdateStage(models.StageEvaluation, models.StageUpdate{
		IsEvaluating: boolp(true),
		Progress:     floatp(0),
		Error:        strp(""),
	})
	raw, err := o.engine.EvaluateAll(ctx, variations, testCases, criteria, func(percent float64) {
		o.store.UpdateStage(models.StageEvaluation, models.StageUpdate{Progress: &percent})
	})
	if err != nil {
		o.store.UpdateStage(models.StageEvaluation, models.StageUpdate{
			IsEvaluating: boolp(false),
			Error:        strp(err.Error()),
		})
		return o.mapAbort(ctx, err)
	}

	results := evaluate.ConvertAgentResults(raw)
	o.store.UpdateStage(models.StageEvaluation, models.StageUpdate{
		Results:      &results,
		IsEvaluating: boolp(false),
		Progress:     floatp(100),
	})

	// Both consumers get their own copy of the full payload: the scored
	// results plus the variations and test cases they were scored against.
	for _, stage := range []models.PipelineStage{models.StageResults, models.StageModelArena} {
		rs := append([]models.EvaluationResult(nil), results...)
		vs := append([]models.PromptVariation(nil), variations...)
		tcs := append([]models.TestCase(nil), testCases...)
		o.store.UpdateStage(stage, models.StageUpdate{
			Results:    &rs,
			Variations: &vs,
			TestCases:  &tcs,
		})
	}
	return nil
}

// checkpoint maps cancellation to the manual-abort sentinel.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return pipeline.ErrManualAbort
	}
	return nil
}

// pause is the inter-stage propagation delay, interruptible by stop.
func (o *Orchestrator) pause(ctx context.Context) error {
	if err := o.checkpoint(ctx); err != nil {
		return err
	}
	if o.opts.StageDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return pipeline.ErrManualAbort
	case <-time.After(o.opts.StageDelay):
		return nil
	}
}

// mapAbort distinguishes a stage failure caused by the user stopping the run
// from a genuine stage error.
func (o *Orchestrator) mapAbort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return pipeline.ErrManualAbort
	}
	return err
}

// missingStages enumerates pipeline stages with no node in the flow graph.
func (o *Orchestrator) missingStages() []string {
	present := make(map[models.PipelineStage]bool)
	for _, node := range o.store.ExportFlow().Nodes {
		present[node.Stage] = true
	}
	var missing []string
	for _, stage := range models.StageOrder {
		if !present[stage] {
			missing = append(missing, string(stage))
		}
	}
	return missing
}

// clearFlags drops every in-flight flag on every stage. Runs on all exit
// paths so no stage is left spinning after a failure or stop.
func (o *Orchestrator) clearFlags() {
	off := false
	for _, stage := range models.StageOrder {
		o.store.UpdateStage(stage, models.StageUpdate{
			IsGenerating: &off,
			IsEvaluating: &off,
			IsComparing:  &off,
			IsAutoMode:   &off,
		})
	}
}

func boolp(b bool) *bool { return &b }

func strp(s string) *string { return &s }

func floatp(f float64) *float64 { return &f }
