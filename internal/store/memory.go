// Package store — in-memory Store implementation with file-based snapshot
// persistence so a pipeline survives restarts.
package store

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/promptforge/promptforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk. The flow document
// is the same shape the export endpoint emits.
type snapshot struct {
	Flow     models.FlowDocument        `json:"flow"`
	AutoRuns map[string]*models.AutoRun `json:"auto_runs,omitempty"`
	Latest   string                     `json:"latest_run,omitempty"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[models.PipelineStage]*models.FlowNode
	edges    []models.FlowEdge
	autoRuns map[string]*models.AutoRun
	latest   string // id of most recently started auto run

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save goroutine to stop
}

// NewMemoryStore creates the store with the fixed initial stage dataset.
// If PROMPTFORGE_DATA_DIR is set, the flow is persisted to a JSON file in
// that directory; otherwise it defaults to ~/.promptforge/flow.json.
// An existing snapshot is loaded on startup.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		nodes:    initialNodes(),
		edges:    defaultEdges(),
		autoRuns: make(map[string]*models.AutoRun),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	dataDir := os.Getenv("PROMPTFORGE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".promptforge")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "flow.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.LoadFlow()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Pipeline store configured")
	return m
}

// initialNodes builds the fixed seven-stage dataset: empty payloads, default
// model config on the base prompt stage, stages laid out left to right.
func initialNodes() map[models.PipelineStage]*models.FlowNode {
	nodes := make(map[models.PipelineStage]*models.FlowNode, len(models.StageOrder))
	for i, stage := range models.StageOrder {
		node := &models.FlowNode{
			ID:       string(stage),
			Stage:    stage,
			Position: models.Position{X: float64(i) * 320, Y: 120},
		}
		if stage == models.StageBasePrompt {
			cfg := models.DefaultModelConfig(models.ProviderOpenAI)
			node.Data.ModelConfig = &cfg
		}
		nodes[stage] = node
	}
	return nodes
}

// defaultEdges wires the canonical pipeline graph. Variations and test cases
// both read the meta prompt; results and model arena both read the evaluation.
func defaultEdges() []models.FlowEdge {
	pairs := [][2]models.PipelineStage{
		{models.StageBasePrompt, models.StageMetaPrompt},
		{models.StageMetaPrompt, models.StageVariations},
		{models.StageMetaPrompt, models.StageTestCases},
		{models.StageVariations, models.StageEvaluation},
		{models.StageTestCases, models.StageEvaluation},
		{models.StageEvaluation, models.StageResults},
		{models.StageEvaluation, models.StageModelArena},
	}
	edges := make([]models.FlowEdge, 0, len(pairs))
	for _, p := range pairs {
		edges = append(edges, models.FlowEdge{
			ID:     string(p[0]) + "-" + string(p[1]),
			Source: string(p[0]),
			Target: string(p[1]),
		})
	}
	return edges
}

// ── Stage Store ─────────────────────────────────────────────

func (m *MemoryStore) GetStage(stage models.PipelineStage) models.StageData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[stage]
	if !ok {
		return models.StageData{}
	}
	return node.Data
}

// UpdateStage merges upd into the stage's data. In-flight flags write
// through unconditionally; every other non-nil field writes only when its
// serialized form differs from the current value.
func (m *MemoryStore) UpdateStage(stage models.PipelineStage, upd models.StageUpdate) bool {
	if !stage.Valid() {
		return false
	}

	m.mu.Lock()
	node, ok := m.nodes[stage]
	if !ok {
		node = &models.FlowNode{ID: string(stage), Stage: stage}
		m.nodes[stage] = node
	}
	d := &node.Data

	changed := false
	if upd.IsGenerating != nil {
		d.IsGenerating = *upd.IsGenerating
		changed = true
	}
	if upd.IsEvaluating != nil {
		d.IsEvaluating = *upd.IsEvaluating
		changed = true
	}
	if upd.IsComparing != nil {
		d.IsComparing = *upd.IsComparing
		changed = true
	}
	if upd.IsAutoMode != nil {
		d.IsAutoMode = *upd.IsAutoMode
		changed = true
	}

	if upd.BasePrompt != nil && differs(d.BasePrompt, *upd.BasePrompt) {
		d.BasePrompt = *upd.BasePrompt
		changed = true
	}
	if upd.ModelConfig != nil && differs(d.ModelConfig, upd.ModelConfig) {
		cfg := *upd.ModelConfig
		d.ModelConfig = &cfg
		changed = true
	}
	if upd.MetaPrompt != nil && differs(d.MetaPrompt, upd.MetaPrompt) {
		mp := *upd.MetaPrompt
		d.MetaPrompt = &mp
		changed = true
	}
	if upd.Variations != nil && differs(d.Variations, *upd.Variations) {
		d.Variations = append([]models.PromptVariation(nil), (*upd.Variations)...)
		changed = true
	}
	if upd.TestCases != nil && differs(d.TestCases, *upd.TestCases) {
		d.TestCases = append([]models.TestCase(nil), (*upd.TestCases)...)
		changed = true
	}
	if upd.Criteria != nil && differs(d.Criteria, *upd.Criteria) {
		d.Criteria = append([]models.EvaluationCriterion(nil), (*upd.Criteria)...)
		changed = true
	}
	if upd.Results != nil && differs(d.Results, *upd.Results) {
		d.Results = append([]models.EvaluationResult(nil), (*upd.Results)...)
		changed = true
	}
	if upd.Progress != nil && differs(d.Progress, *upd.Progress) {
		d.Progress = *upd.Progress
		changed = true
	}
	if upd.Error != nil && differs(d.Error, *upd.Error) {
		d.Error = *upd.Error
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m.requestSave()
	}
	return changed
}

// differs reports structural inequality via serialized comparison, so nested
// values compare by content rather than identity.
func differs(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return true
	}
	return !bytes.Equal(ja, jb)
}

func (m *MemoryStore) Reset() {
	m.mu.Lock()
	m.nodes = initialNodes()
	m.edges = defaultEdges()
	m.mu.Unlock()
	m.requestSave()
	log.Info().Msg("Pipeline state reset")
}

// ── Criterion Store ─────────────────────────────────────────

func (m *MemoryStore) ListCriteria() []models.EvaluationCriterion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[models.StageEvaluation]
	if !ok {
		return nil
	}
	return append([]models.EvaluationCriterion(nil), node.Data.Criteria...)
}

func (m *MemoryStore) CreateCriterion(c models.EvaluationCriterion) (models.EvaluationCriterion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.evaluationNode()
	if nameTaken(node.Data.Criteria, c.Name, 0) {
		return models.EvaluationCriterion{}, &ErrDuplicateName{Name: c.Name}
	}

	maxID := 0
	for _, existing := range node.Data.Criteria {
		if existing.ID > maxID {
			maxID = existing.ID
		}
	}
	c.ID = maxID + 1
	c.Weight = clampWeight(c.Weight)
	node.Data.Criteria = append(node.Data.Criteria, c)

	m.requestSave()
	return c, nil
}

func (m *MemoryStore) UpdateCriterion(id int, c models.EvaluationCriterion) (models.EvaluationCriterion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.evaluationNode()
	for i, existing := range node.Data.Criteria {
		if existing.ID != id {
			continue
		}
		if nameTaken(node.Data.Criteria, c.Name, id) {
			return models.EvaluationCriterion{}, &ErrDuplicateName{Name: c.Name}
		}
		c.ID = id
		c.Weight = clampWeight(c.Weight)
		node.Data.Criteria[i] = c
		m.requestSave()
		return c, nil
	}
	return models.EvaluationCriterion{}, &ErrNotFound{Entity: "criterion", Key: strconv.Itoa(id)}
}

func (m *MemoryStore) DeleteCriterion(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.evaluationNode()
	for i, existing := range node.Data.Criteria {
		if existing.ID == id {
			node.Data.Criteria = append(node.Data.Criteria[:i], node.Data.Criteria[i+1:]...)
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "criterion", Key: strconv.Itoa(id)}
}

func (m *MemoryStore) EnsureDefaultCriteria() []models.EvaluationCriterion {
	m.mu.Lock()
	node := m.evaluationNode()
	if len(node.Data.Criteria) == 0 {
		node.Data.Criteria = models.DefaultCriteria()
		m.mu.Unlock()
		m.requestSave()
		log.Info().Int("count", len(models.DefaultCriteria())).Msg("Seeded default evaluation criteria")
	} else {
		m.mu.Unlock()
	}
	return m.ListCriteria()
}

// evaluationNode returns the evaluation stage node, creating it if a loaded
// snapshot dropped it. Caller must hold m.mu.
func (m *MemoryStore) evaluationNode() *models.FlowNode {
	node, ok := m.nodes[models.StageEvaluation]
	if !ok {
		node = &models.FlowNode{ID: string(models.StageEvaluation), Stage: models.StageEvaluation}
		m.nodes[models.StageEvaluation] = node
	}
	return node
}

func nameTaken(criteria []models.EvaluationCriterion, name string, selfID int) bool {
	for _, c := range criteria {
		if c.ID != selfID && strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 5 {
		return 5
	}
	return w
}

// ── Auto Run Store ──────────────────────────────────────────

func (m *MemoryStore) CreateAutoRun(run *models.AutoRun) error {
	m.mu.Lock()
	cp := *run
	m.autoRuns[run.ID] = &cp
	m.latest = run.ID
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAutoRun(run *models.AutoRun) error {
	m.mu.Lock()
	if _, ok := m.autoRuns[run.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "auto run", Key: run.ID}
	}
	cp := *run
	m.autoRuns[run.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAutoRun(id string) (*models.AutoRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.autoRuns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "auto run", Key: id}
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) LatestAutoRun() *models.AutoRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.autoRuns[m.latest]
	if !ok {
		return nil
	}
	cp := *run
	return &cp
}

// ── Flow Store ──────────────────────────────────────────────

func (m *MemoryStore) ExportFlow() models.FlowDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exportLocked()
}

func (m *MemoryStore) exportLocked() models.FlowDocument {
	doc := models.FlowDocument{
		Nodes:      make([]models.FlowNode, 0, len(m.nodes)),
		Edges:      append([]models.FlowEdge(nil), m.edges...),
		ExportedAt: time.Now().UTC(),
	}
	for _, stage := range models.StageOrder {
		if node, ok := m.nodes[stage]; ok {
			doc.Nodes = append(doc.Nodes, *node)
		}
	}
	return doc
}

// ApplyFlow installs the document's nodes and edges. Nodes naming unknown
// stages are dropped; positions are sanitized to {0,0} when non-finite.
// Stages absent from the document keep their current data.
func (m *MemoryStore) ApplyFlow(doc models.FlowDocument) {
	m.mu.Lock()
	for _, node := range doc.Nodes {
		if !node.Stage.Valid() {
			continue
		}
		cp := node
		cp.Position = sanitizePosition(cp.Position)
		if cp.ID == "" {
			cp.ID = string(cp.Stage)
		}
		m.nodes[cp.Stage] = &cp
	}
	if len(doc.Edges) > 0 {
		m.edges = append([]models.FlowEdge(nil), doc.Edges...)
	}
	m.mu.Unlock()
	m.requestSave()
}

func sanitizePosition(p models.Position) models.Position {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) {
		p.X = 0
	}
	if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		p.Y = 0
	}
	return p
}

func (m *MemoryStore) SaveFlow() bool {
	return m.saveSnapshot()
}

func (m *MemoryStore) LoadFlow() bool {
	if m.snapshotPath == "" {
		return false
	}
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read flow snapshot")
		}
		return false
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt flow snapshot ignored")
		return false
	}
	if len(snap.Flow.Nodes) == 0 {
		return false
	}

	m.ApplyFlow(snap.Flow)

	m.mu.Lock()
	if snap.AutoRuns != nil {
		m.autoRuns = snap.AutoRuns
	}
	if snap.Latest != "" {
		m.latest = snap.Latest
	}
	m.mu.Unlock()

	log.Info().Int("nodes", len(snap.Flow.Nodes)).Msg("Flow snapshot loaded")
	return true
}

// ── Persistence internals ───────────────────────────────────

// requestSave signals the background goroutine to persist. Non-blocking:
// rapid writes coalesce into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max one write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

// saveSnapshot writes the flow and run history to disk. Reports success;
// failures are logged and swallowed.
func (m *MemoryStore) saveSnapshot() bool {
	if m.snapshotPath == "" {
		return false
	}

	m.mu.RLock()
	snap := snapshot{
		Flow:     m.exportLocked(),
		AutoRuns: m.autoRuns,
		Latest:   m.latest,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal flow snapshot")
		return false
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return false
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return false
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Flow snapshot saved")
	return true
}

// Close stops the save loop and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}
