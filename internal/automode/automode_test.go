package automode_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/promptforge/promptforge/internal/automode"
	"github.com/promptforge/promptforge/internal/evaluate"
	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/pipeline"
	"github.com/promptforge/promptforge/internal/store"
	"github.com/promptforge/promptforge/pkg/models"
)

// stubGen produces valid payloads for every generative stage.
type stubGen struct {
	meta     string
	metaErr  error
	vars     []string
	varsErr  error
	cases    []string
	casesErr error
}

func (s *stubGen) GenerateMetaPrompt(_ context.Context, _ string, _ models.ModelConfig) (string, error) {
	return s.meta, s.metaErr
}

func (s *stubGen) GenerateVariations(_ context.Context, _ string, _ models.ModelConfig) ([]string, error) {
	return s.vars, s.varsErr
}

func (s *stubGen) GenerateTestCases(_ context.Context, _ string, _ models.ModelConfig) ([]string, error) {
	return s.cases, s.casesErr
}

// stubAgent scores every triple the same, optionally blocking so tests can
// stop a run mid-evaluation.
type stubAgent struct {
	score float64
	hold  chan struct{}
}

func (a *stubAgent) Score(ctx context.Context, t evaluate.Triple) (models.AgentEvaluationResult, error) {
	if a.hold != nil {
		select {
		case <-a.hold:
		case <-ctx.Done():
			return models.AgentEvaluationResult{}, ctx.Err()
		}
	}
	return models.AgentEvaluationResult{
		VariationID: t.Variation.ID,
		TestCaseID:  t.TestCase.ID,
		CriterionID: t.Criterion.ID,
		Score:       a.score,
		Reasoning:   "ok",
		Agent:       "openai-gpt-4o-mini-crew",
	}, nil
}

var longMeta = strings.Repeat("You are a helpful assistant that writes release notes. ", 4)

func happyGen() *stubGen {
	return &stubGen{
		meta:  longMeta,
		vars:  []string{"variant one", "variant two", "variant three"},
		cases: []string{"case one", "case two"},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("PROMPTFORGE_DATA_DIR", dir)
	defer os.Unsetenv("PROMPTFORGE_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrchestrator(t *testing.T, gen *stubGen, agent evaluate.Agent) (*automode.Orchestrator, store.Store) {
	t.Helper()
	s := newTestStore(t)
	n := notify.NewCenter()
	runner := pipeline.NewRunner(s, gen, n)
	engine := evaluate.NewEngine(agent, evaluate.NewJitterPerspective(1), evaluate.Options{})
	o := automode.New(s, runner, engine, n, automode.Options{})
	return o, s
}

func waitDone(t *testing.T, o *automode.Orchestrator) *models.AutoRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := o.Status()
		if !st.Running && st.Run != nil && st.Run.Status != models.AutoRunRunning {
			return st.Run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("auto run did not finish in time")
	return nil
}

func defaultCfg() models.ModelConfig {
	return models.DefaultModelConfig(models.ProviderOpenAI)
}

// ─── End to end ─────────────────────────────────────────────

func TestRun_EndToEnd(t *testing.T) {
	o, s := newOrchestrator(t, happyGen(), &stubAgent{score: 8})

	runID, err := o.Start("Write release notes", defaultCfg())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run := waitDone(t, o)

	if run.ID != runID {
		t.Errorf("latest run id = %q, want %q", run.ID, runID)
	}
	if run.Status != models.AutoRunCompleted {
		t.Fatalf("run status = %q (error %q), want completed", run.Status, run.Error)
	}

	if mp := s.GetStage(models.StageMetaPrompt).MetaPrompt; mp == nil || mp.GeneratedPrompt == "" {
		t.Error("meta prompt stage not populated")
	}
	if got := len(s.GetStage(models.StageVariations).Variations); got != 3 {
		t.Errorf("variations = %d, want 3", got)
	}
	if got := len(s.GetStage(models.StageTestCases).TestCases); got != 2 {
		t.Errorf("test cases = %d, want 2", got)
	}
	if got := len(s.GetStage(models.StageEvaluation).Criteria); got != 5 {
		t.Errorf("seeded criteria = %d, want 5", got)
	}

	// 3 variations × 2 cases × 5 criteria triples, one aggregated row each.
	wantRows := 3 * 2 * 5
	results := s.GetStage(models.StageResults).Results
	arena := s.GetStage(models.StageModelArena).Results
	if len(results) != wantRows {
		t.Errorf("results rows = %d, want %d", len(results), wantRows)
	}
	if len(arena) != len(results) {
		t.Errorf("arena rows = %d, results rows = %d; fan-out must be identical", len(arena), len(results))
	}

	// The fan-out carries the run's variations and test cases too, so both
	// downstream views are self-contained.
	for _, stage := range []models.PipelineStage{models.StageResults, models.StageModelArena} {
		data := s.GetStage(stage)
		if got := len(data.Variations); got != 3 {
			t.Errorf("stage %s variations = %d, want 3", stage, got)
		}
		if got := len(data.TestCases); got != 2 {
			t.Errorf("stage %s test cases = %d, want 2", stage, got)
		}
	}

	if s.GetStage(models.StageEvaluation).Progress != 100 {
		t.Errorf("evaluation progress = %v, want 100", s.GetStage(models.StageEvaluation).Progress)
	}
}

func TestRun_ResetsStaleFlagsAtStart(t *testing.T) {
	agent := &stubAgent{score: 7, hold: make(chan struct{})}
	o, s := newOrchestrator(t, happyGen(), agent)

	// Simulate a flag restored from a snapshot written mid-operation.
	stale := true
	s.UpdateStage(models.StageModelArena, models.StageUpdate{IsComparing: &stale})

	if _, err := o.Start("prompt", defaultCfg()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !s.GetStage(models.StageEvaluation).IsEvaluating {
		if time.Now().After(deadline) {
			t.Fatal("evaluation never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s.GetStage(models.StageModelArena).IsComparing {
		t.Error("stale IsComparing flag survived into the run")
	}

	close(agent.hold)
	waitDone(t, o)
}

// ─── Single flight ──────────────────────────────────────────

func TestStart_SingleFlight(t *testing.T) {
	agent := &stubAgent{score: 7, hold: make(chan struct{})}
	o, _ := newOrchestrator(t, happyGen(), agent)

	if _, err := o.Start("prompt", defaultCfg()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	var ve *pipeline.ValidationError
	if _, err := o.Start("prompt", defaultCfg()); !errors.As(err, &ve) {
		t.Fatalf("second Start() error = %v, want ValidationError", err)
	}

	close(agent.hold)
	waitDone(t, o)

	// The slot frees up once the run finishes.
	if _, err := o.Start("prompt", defaultCfg()); err != nil {
		t.Fatalf("Start() after completion error = %v", err)
	}
	waitDone(t, o)
}

// ─── Stop ───────────────────────────────────────────────────

func TestStop_MidEvaluationKeepsCompletedStages(t *testing.T) {
	agent := &stubAgent{score: 7, hold: make(chan struct{})}
	o, s := newOrchestrator(t, happyGen(), agent)

	if _, err := o.Start("prompt", defaultCfg()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Wait until the run reaches the evaluation stage.
	deadline := time.Now().Add(5 * time.Second)
	for !s.GetStage(models.StageEvaluation).IsEvaluating {
		if time.Now().After(deadline) {
			t.Fatal("evaluation never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !o.Stop() {
		t.Fatal("Stop() = false with a run in flight")
	}
	run := waitDone(t, o)

	if run.Status != models.AutoRunStopped {
		t.Fatalf("run status = %q, want stopped", run.Status)
	}
	if len(s.GetStage(models.StageVariations).Variations) != 3 {
		t.Error("completed variations stage was lost on stop")
	}
	for _, stage := range models.StageOrder {
		data := s.GetStage(stage)
		if data.IsGenerating || data.IsEvaluating || data.IsComparing || data.IsAutoMode {
			t.Errorf("stage %s left with an in-flight flag set after stop", stage)
		}
	}
}

func TestStop_Idle(t *testing.T) {
	o, _ := newOrchestrator(t, happyGen(), &stubAgent{score: 7})
	if o.Stop() {
		t.Fatal("Stop() = true with no run in flight")
	}
}

// ─── Failure paths ──────────────────────────────────────────

func TestRun_EmptyBasePromptFails(t *testing.T) {
	o, _ := newOrchestrator(t, happyGen(), &stubAgent{score: 7})

	if _, err := o.Start("   ", defaultCfg()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run := waitDone(t, o)
	if run.Status != models.AutoRunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "base prompt") {
		t.Errorf("run error = %q", run.Error)
	}
}

func TestRun_StageFailureClearsFlags(t *testing.T) {
	gen := happyGen()
	gen.varsErr = errors.New("upstream unavailable")
	o, s := newOrchestrator(t, gen, &stubAgent{score: 7})

	if _, err := o.Start("prompt", defaultCfg()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	run := waitDone(t, o)

	if run.Status != models.AutoRunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	for _, stage := range models.StageOrder {
		data := s.GetStage(stage)
		if data.IsGenerating || data.IsEvaluating || data.IsComparing || data.IsAutoMode {
			t.Errorf("stage %s left with an in-flight flag set after failure", stage)
		}
	}
	// The stage that failed carries the error for the user to see.
	if s.GetStage(models.StageVariations).Error == "" {
		t.Error("variations stage error not recorded")
	}
}
