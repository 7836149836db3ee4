// Package handlers implements the HTTP handlers for the PromptForge
// optimizer API. Handlers stay thin: decode, delegate to the pipeline
// runner / evaluation engine / orchestrator, map the error class to a
// status code, encode.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/promptforge/promptforge/internal/automode"
	"github.com/promptforge/promptforge/internal/evaluate"
	"github.com/promptforge/promptforge/internal/notify"
	"github.com/promptforge/promptforge/internal/pipeline"
	"github.com/promptforge/promptforge/internal/provider"
	"github.com/promptforge/promptforge/internal/store"
	"github.com/promptforge/promptforge/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store  store.Store
	AI     *provider.Client
	Runner *pipeline.Runner
	Engine *evaluate.Engine
	Auto   *automode.Orchestrator
	Notify *notify.Center
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, ai *provider.Client, runner *pipeline.Runner, engine *evaluate.Engine, auto *automode.Orchestrator, n *notify.Center) *Handlers {
	return &Handlers{
		Store:  s,
		AI:     ai,
		Runner: runner,
		Engine: engine,
		Auto:   auto,
		Notify: n,
	}
}

// ── Generative stages ────────────────────────────────────────

type metaPromptRequest struct {
	BasePrompt  string              `json:"base_prompt"`
	ModelConfig *models.ModelConfig `json:"model_config,omitempty"`
}

func (h *Handlers) RunMetaPrompt(w http.ResponseWriter, r *http.Request) {
	var req metaPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mp, err := h.Runner.RunMetaPrompt(r.Context(), req.BasePrompt, h.resolveConfig(req.ModelConfig))
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mp)
}

type editMetaPromptRequest struct {
	GeneratedPrompt string `json:"generated_prompt"`
}

func (h *Handlers) EditMetaPrompt(w http.ResponseWriter, r *http.Request) {
	var req editMetaPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mp, err := h.Runner.EditMetaPrompt(req.GeneratedPrompt)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mp)
}

type generateRequest struct {
	ModelConfig *models.ModelConfig `json:"model_config,omitempty"`
}

func (h *Handlers) GenerateVariations(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	mp := h.currentMetaPrompt()
	batch, err := h.Runner.RunVariations(r.Context(), mp, h.resolveConfig(req.ModelConfig))
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

func (h *Handlers) GenerateTestCases(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	mp := h.currentMetaPrompt()
	batch, err := h.Runner.RunTestCases(r.Context(), mp, h.resolveConfig(req.ModelConfig))
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

// currentMetaPrompt reads the meta prompt stage; a zero value fails the
// runner's precondition check with a proper validation error.
func (h *Handlers) currentMetaPrompt() models.MetaPrompt {
	if mp := h.Store.GetStage(models.StageMetaPrompt).MetaPrompt; mp != nil {
		return *mp
	}
	return models.MetaPrompt{}
}

// resolveConfig picks the request's model config when present, otherwise the
// base stage's stored config, otherwise the OpenAI default.
func (h *Handlers) resolveConfig(req *models.ModelConfig) models.ModelConfig {
	if req != nil {
		return *req
	}
	if cfg := h.Store.GetStage(models.StageBasePrompt).ModelConfig; cfg != nil {
		return *cfg
	}
	return models.DefaultModelConfig(models.ProviderOpenAI)
}

// ── Evaluation ───────────────────────────────────────────────

func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	variations := h.Store.GetStage(models.StageVariations).Variations
	testCases := h.Store.GetStage(models.StageTestCases).TestCases
	criteria := h.Store.EnsureDefaultCriteria()

	h.Store.UpdateStage(models.StageEvaluation, models.StageUpdate{
		IsEvaluating: boolp(true),
		Progress:     floatp(0),
		Error:        strp(""),
	})

	raw, err := h.Engine.EvaluateAll(r.Context(), variations, testCases, criteria, func(percent float64) {
		h.Store.UpdateStage(models.StageEvaluation, models.StageUpdate{Progress: &percent})
	})
	if err != nil {
		h.Store.UpdateStage(models.StageEvaluation, models.StageUpdate{
			IsEvaluating: boolp(false),
			Error:        strp(err.Error()),
		})
		respondMapped(w, err)
		return
	}

	results := evaluate.ConvertAgentResults(raw)
	h.Store.UpdateStage(models.StageEvaluation, models.StageUpdate{
		Results:      &results,
		IsEvaluating: boolp(false),
		Progress:     floatp(100),
	})
	for _, stage := range []models.PipelineStage{models.StageResults, models.StageModelArena} {
		rs := append([]models.EvaluationResult(nil), results...)
		vs := append([]models.PromptVariation(nil), variations...)
		tcs := append([]models.TestCase(nil), testCases...)
		h.Store.UpdateStage(stage, models.StageUpdate{
			Results:    &rs,
			Variations: &vs,
			TestCases:  &tcs,
		})
	}

	respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) Leaderboard(w http.ResponseWriter, r *http.Request) {
	variations := h.Store.GetStage(models.StageVariations).Variations
	results := h.Store.GetStage(models.StageResults).Results
	criteria := h.Store.ListCriteria()

	rows := evaluate.Rank(evaluate.Aggregate(variations, results, criteria))
	respondJSON(w, http.StatusOK, rows)
}

// ── Auto mode ────────────────────────────────────────────────

type autoRunRequest struct {
	BasePrompt  string              `json:"base_prompt"`
	ModelConfig *models.ModelConfig `json:"model_config,omitempty"`
}

func (h *Handlers) AutoRun(w http.ResponseWriter, r *http.Request) {
	var req autoRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	runID, err := h.Auto.Start(req.BasePrompt, h.resolveConfig(req.ModelConfig))
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (h *Handlers) AutoStop(w http.ResponseWriter, r *http.Request) {
	stopped := h.Auto.Stop()
	respondJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Handlers) AutoStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Auto.Status())
}

// ── Criteria ─────────────────────────────────────────────────

func (h *Handlers) ListCriteria(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Store.EnsureDefaultCriteria())
}

func (h *Handlers) CreateCriterion(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluationCriterion
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "Criterion name is required")
		return
	}

	created, err := h.Store.CreateCriterion(req)
	if err != nil {
		respondMapped(w, err)
		return
	}
	log.Info().Str("name", created.Name).Int("id", created.ID).Msg("Criterion created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) UpdateCriterion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid criterion id")
		return
	}

	var req models.EvaluationCriterion
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.Store.UpdateCriterion(id, req)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeleteCriterion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid criterion id")
		return
	}
	if err := h.Store.DeleteCriterion(id); err != nil {
		respondMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Model arena ──────────────────────────────────────────────

type arenaRequest struct {
	VariationID  *int                `json:"variation_id,omitempty"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Input        string              `json:"input"`
	ModelConfig  *models.ModelConfig `json:"model_config,omitempty"`
}

// ArenaRespond generates one model response for side-by-side comparison.
// The system prompt comes either inline or from a stored variation.
func (h *Handlers) ArenaRespond(w http.ResponseWriter, r *http.Request) {
	var req arenaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	systemPrompt := req.SystemPrompt
	cfg := h.resolveConfig(req.ModelConfig)
	if systemPrompt == "" && req.VariationID != nil {
		for _, v := range h.Store.GetStage(models.StageVariations).Variations {
			if v.ID == *req.VariationID {
				systemPrompt = v.Content
				if req.ModelConfig == nil {
					cfg = v.ModelConfig
				}
				break
			}
		}
	}
	if systemPrompt == "" {
		respondError(w, http.StatusBadRequest, "No system prompt: provide system_prompt or a known variation_id")
		return
	}

	h.Store.UpdateStage(models.StageModelArena, models.StageUpdate{IsComparing: boolp(true)})
	defer h.Store.UpdateStage(models.StageModelArena, models.StageUpdate{IsComparing: boolp(false)})

	out, err := h.AI.GenerateResponse(r.Context(), systemPrompt, req.Input, cfg)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"provider": cfg.Provider,
		"model":    cfg.Model,
		"response": out,
	})
}

// ── Stages ───────────────────────────────────────────────────

func (h *Handlers) ListStages(w http.ResponseWriter, r *http.Request) {
	out := make(map[models.PipelineStage]models.StageData, len(models.StageOrder))
	for _, stage := range models.StageOrder {
		out[stage] = h.Store.GetStage(stage)
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) GetStage(w http.ResponseWriter, r *http.Request) {
	stage := models.PipelineStage(chi.URLParam(r, "stage"))
	if !stage.Valid() {
		respondError(w, http.StatusNotFound, "Unknown stage")
		return
	}
	respondJSON(w, http.StatusOK, h.Store.GetStage(stage))
}

func (h *Handlers) PatchStage(w http.ResponseWriter, r *http.Request) {
	stage := models.PipelineStage(chi.URLParam(r, "stage"))
	if !stage.Valid() {
		respondError(w, http.StatusNotFound, "Unknown stage")
		return
	}

	var upd models.StageUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	changed := h.Store.UpdateStage(stage, upd)
	respondJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"data":    h.Store.GetStage(stage),
	})
}

func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	h.Store.Reset()
	log.Info().Msg("Pipeline reset")
	respondJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// ── Flow persistence ─────────────────────────────────────────

func (h *Handlers) SaveFlow(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"saved": h.Store.SaveFlow()})
}

func (h *Handlers) LoadFlow(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"loaded": h.Store.LoadFlow()})
}

func (h *Handlers) ExportFlow(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Store.ExportFlow())
}

func (h *Handlers) ImportFlow(w http.ResponseWriter, r *http.Request) {
	var doc models.FlowDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid flow document")
		return
	}
	if doc.Nodes == nil {
		respondError(w, http.StatusBadRequest, "Flow document has no nodes")
		return
	}
	if doc.Edges == nil {
		respondError(w, http.StatusBadRequest, "Flow document has no edges")
		return
	}
	h.Store.ApplyFlow(doc)
	respondJSON(w, http.StatusOK, map[string]bool{"imported": true})
}

// ── Providers, cost, notifications ───────────────────────────

type providerInfo struct {
	Provider     models.Provider `json:"provider"`
	Models       []string        `json:"models"`
	DefaultModel string          `json:"default_model"`
	HasKey       bool            `json:"has_key"`
}

// ListProviders reports the model catalog and whether a key is configured.
// Keys themselves are never returned.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]providerInfo, 0, len(models.Providers))
	for _, p := range models.Providers {
		out = append(out, providerInfo{
			Provider:     p,
			Models:       provider.ModelsFor(p),
			DefaultModel: models.DefaultModel(p),
			HasKey:       h.AI.HasKey(p),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type testProviderRequest struct {
	Provider models.Provider `json:"provider"`
}

func (h *Handlers) TestProvider(w http.ResponseWriter, r *http.Request) {
	var req testProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	respondJSON(w, http.StatusOK, h.AI.TestConnection(r.Context(), req.Provider))
}

func (h *Handlers) GetCostSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.AI.CostSummary())
}

func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Notify.List())
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondMapped translates the error taxonomy to HTTP status codes.
func respondMapped(w http.ResponseWriter, err error) {
	var (
		ve  *pipeline.ValidationError
		ge  *pipeline.GenerationRejectedError
		te  *pipeline.TransportError
		nf  *store.ErrNotFound
		dup *store.ErrDuplicateName
	)
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dup):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ge):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &te):
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, pipeline.ErrManualAbort):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func boolp(b bool) *bool { return &b }

func strp(s string) *string { return &s }

func floatp(f float64) *float64 { return &f }
