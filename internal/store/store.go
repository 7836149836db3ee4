// Package store provides the state container for the prompt-optimization
// pipeline: per-stage data with change-detected merges, criterion CRUD,
// auto-run records, and flow-document persistence.
package store

import (
	"github.com/promptforge/promptforge/pkg/models"
)

// Store is the single source of truth for pipeline state. All mutation goes
// through UpdateStage/Reset/ApplyFlow so the change-detection merge is the
// only write path.
type Store interface {
	StageStore
	CriterionStore
	AutoRunStore
	FlowStore

	// Close stops background persistence and flushes a final snapshot.
	Close() error
}

// ── Stage Store ─────────────────────────────────────────────

type StageStore interface {
	// GetStage never fails; a stage that has not run yet returns its
	// zero-value data.
	GetStage(stage models.PipelineStage) models.StageData

	// UpdateStage merges a partial update into the stage's data and reports
	// whether a state transition occurred. In-flight flags are always
	// written through; all other fields are written only when structurally
	// different from the current value. Nil fields are ignored.
	UpdateStage(stage models.PipelineStage, upd models.StageUpdate) bool

	// Reset replaces all stage data with the fixed initial dataset and
	// clears every in-flight flag.
	Reset()
}

// ── Criterion Store ─────────────────────────────────────────

// CriterionStore manages the evaluation criterion set, which lives on the
// evaluation stage's data.
type CriterionStore interface {
	ListCriteria() []models.EvaluationCriterion

	// CreateCriterion assigns id = max existing id + 1. Names are unique
	// case-insensitively; weight is clamped to [1,5] with 0 treated as 1.
	CreateCriterion(c models.EvaluationCriterion) (models.EvaluationCriterion, error)

	UpdateCriterion(id int, c models.EvaluationCriterion) (models.EvaluationCriterion, error)
	DeleteCriterion(id int) error

	// EnsureDefaultCriteria seeds the default five criteria if the set is
	// empty, and returns the active set. Idempotent.
	EnsureDefaultCriteria() []models.EvaluationCriterion
}

// ── Auto Run Store ──────────────────────────────────────────

type AutoRunStore interface {
	CreateAutoRun(run *models.AutoRun) error
	UpdateAutoRun(run *models.AutoRun) error
	GetAutoRun(id string) (*models.AutoRun, error)

	// LatestAutoRun returns the most recently started run, or nil if none
	// has ever run.
	LatestAutoRun() *models.AutoRun
}

// ── Flow Store ──────────────────────────────────────────────

// FlowStore is the persistence and export boundary. Save and Load report
// success as a boolean; storage problems are logged, never propagated as
// panics or errors through this surface.
type FlowStore interface {
	// SaveFlow writes the current graph to the snapshot file.
	SaveFlow() bool

	// LoadFlow reads the snapshot file, sanitizes node positions, and
	// applies the document. Returns false when no usable snapshot exists.
	LoadFlow() bool

	// ExportFlow returns the full graph as a portable document.
	ExportFlow() models.FlowDocument

	// ApplyFlow merges an imported document into the store. Unknown stages
	// are dropped; positions are sanitized. Used by LoadFlow and by the
	// import endpoint.
	ApplyFlow(doc models.FlowDocument)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicateName is returned when a criterion name collides with an
// existing one (case-insensitive).
type ErrDuplicateName struct {
	Name string
}

func (e *ErrDuplicateName) Error() string {
	return "criterion name already in use: " + e.Name
}
