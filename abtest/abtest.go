// Package abtest assigns runs to experiment variants deterministically and
// accumulates per-variant outcome statistics.
package abtest

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
)

// Variant is one arm of an experiment. Weights across an experiment's
// variants must sum to 100.
type Variant struct {
	Id     string `yaml:"id" json:"id"`
	Model  string `yaml:"model" json:"model"`
	Weight int    `yaml:"weight" json:"weight"`
}

// Experiment routes a fraction of one tier's traffic per variant.
type Experiment struct {
	Id       string        `yaml:"id" json:"id"`
	Tier     slimclaw.Tier `yaml:"tier" json:"tier"`
	Status   string        `yaml:"status" json:"status"`
	EndAt    *time.Time    `yaml:"end_at" json:"end_at,omitempty"`
	Variants []Variant     `yaml:"variants" json:"variants"`
}

const StatusActive = "active"

// Assignment records which variant a run landed in. It lives until the
// outcome is recorded or the TTL reaper collects it.
type Assignment struct {
	ExperimentId string    `json:"experiment_id"`
	VariantId    string    `json:"variant_id"`
	Model        string    `json:"model"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Outcome is the observed result of an assigned run.
type Outcome struct {
	LatencyMs    float64
	Cost         float64
	OutputTokens int
}

// VariantResults is the aggregated view of one variant. Latency and token
// averages are integer-rounded; cost averages keep six decimals.
type VariantResults struct {
	VariantId       string  `json:"variant_id"`
	Model           string  `json:"model"`
	Count           int     `json:"count"`
	AvgLatencyMs    int     `json:"avg_latency_ms"`
	AvgOutputTokens int     `json:"avg_output_tokens"`
	AvgCost         float64 `json:"avg_cost"`
	TotalCost       float64 `json:"total_cost"`
}

// Results is the aggregated view of one experiment.
type Results struct {
	ExperimentId string           `json:"experiment_id"`
	Variants     []VariantResults `json:"variants"`
	Significant  bool             `json:"significant"`
}

// Options configures the manager.
type Options struct {
	Enabled               bool         `yaml:"enabled"`
	Experiments           []Experiment `yaml:"experiments"`
	MaxPendingAssignments int          `yaml:"max_pending_assignments"`
	MinSamples            int          `yaml:"min_samples"`
}

const (
	DefaultMaxPendingAssignments = 1000
	DefaultMinSamples            = 30

	// Assignments without an outcome are reaped after this.
	assignmentTtl = time.Hour

	// FIFO eviction drains the pending map to this fraction of capacity.
	evictTargetFraction = 0.8
)

type kahan struct {
	sum  float64
	comp float64
}

func (k *kahan) add(value float64) {
	y := value - k.comp
	t := k.sum + y
	k.comp = (t - k.sum) - y
	k.sum = t
}

type accumulator struct {
	count      int
	latencySum float64
	tokenSum   int
	totalCost  kahan
}

type Manager struct {
	opts   Options
	logger *zap.SugaredLogger
	clock  clock.Clock

	mu           sync.Mutex
	pending      map[string]Assignment
	order        []string // runIds in assignment order, for FIFO eviction
	accumulators map[string]map[string]*accumulator
}

// NewManager validates the experiment set and builds the manager. Every
// experiment needs at least one variant and weights summing to exactly 100.
func NewManager(opts Options, logger *zap.SugaredLogger) (*Manager, error) {
	return newManagerWithClock(opts, logger, clock.New())
}

func newManagerWithClock(opts Options, logger *zap.SugaredLogger, clk clock.Clock) (*Manager, error) {
	for _, experiment := range opts.Experiments {
		if len(experiment.Variants) == 0 {
			return nil, fmt.Errorf("experiment %q has no variants", experiment.Id)
		}
		totalWeight := 0
		for _, variant := range experiment.Variants {
			totalWeight += variant.Weight
		}
		if totalWeight != 100 {
			return nil, fmt.Errorf("experiment %q variant weights sum to %d, want 100", experiment.Id, totalWeight)
		}
	}
	if opts.MaxPendingAssignments <= 0 {
		opts.MaxPendingAssignments = DefaultMaxPendingAssignments
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	return &Manager{
		opts:         opts,
		logger:       logger,
		clock:        clk,
		pending:      make(map[string]Assignment),
		accumulators: make(map[string]map[string]*accumulator),
	}, nil
}

// Assign places the run into a variant of the active experiment for the
// tier, or returns nil when no experiment applies. The same runId always
// lands in the same variant.
func (m *Manager) Assign(tier slimclaw.Tier, runId string) *Assignment {
	if !m.opts.Enabled || runId == "" {
		return nil
	}

	now := m.clock.Now()
	experiment := m.activeExperiment(tier, now)
	if experiment == nil {
		return nil
	}

	bucket := hashRunId(runId)

	variant := experiment.Variants[len(experiment.Variants)-1]
	cumulative := 0
	for _, candidate := range experiment.Variants {
		cumulative += candidate.Weight
		if bucket < cumulative {
			variant = candidate
			break
		}
	}

	assignment := Assignment{
		ExperimentId: experiment.Id,
		VariantId:    variant.Id,
		Model:        variant.Model,
		AssignedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reap(now)
	if len(m.pending) >= m.opts.MaxPendingAssignments {
		m.evict()
	}
	m.pending[runId] = assignment
	m.order = append(m.order, runId)

	return &assignment
}

// RecordOutcome folds the outcome into the run's variant accumulator and
// removes the assignment so a run is never counted twice.
func (m *Manager) RecordOutcome(runId string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assignment, ok := m.pending[runId]
	if !ok {
		return
	}
	delete(m.pending, runId)

	variants, ok := m.accumulators[assignment.ExperimentId]
	if !ok {
		variants = make(map[string]*accumulator)
		m.accumulators[assignment.ExperimentId] = variants
	}
	acc, ok := variants[assignment.VariantId]
	if !ok {
		acc = &accumulator{}
		variants[assignment.VariantId] = acc
	}

	acc.count++
	acc.latencySum += outcome.LatencyMs
	acc.tokenSum += outcome.OutputTokens
	acc.totalCost.add(outcome.Cost)
}

// GetResults aggregates the experiment's accumulators. Significance needs
// exactly two variants, both with enough samples, and a relative average
// latency difference above 20%.
func (m *Manager) GetResults(experimentId string) (Results, bool) {
	experiment := m.findExperiment(experimentId)
	if experiment == nil {
		return Results{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	variants := m.accumulators[experimentId]
	results := Results{ExperimentId: experimentId}
	for _, variant := range experiment.Variants {
		row := VariantResults{VariantId: variant.Id, Model: variant.Model}
		if acc, ok := variants[variant.Id]; ok && acc.count > 0 {
			row.Count = acc.count
			row.AvgLatencyMs = int(math.Round(acc.latencySum / float64(acc.count)))
			row.AvgOutputTokens = int(math.Round(float64(acc.tokenSum) / float64(acc.count)))
			row.AvgCost = round6(acc.totalCost.sum / float64(acc.count))
			row.TotalCost = round6(acc.totalCost.sum)
		}
		results.Variants = append(results.Variants, row)
	}
	results.Significant = m.significant(results.Variants)
	return results, true
}

func (m *Manager) significant(variants []VariantResults) bool {
	if len(variants) != 2 {
		return false
	}
	minSamples := m.opts.MinSamples
	if minSamples < DefaultMinSamples {
		minSamples = DefaultMinSamples
	}
	if variants[0].Count < minSamples || variants[1].Count < minSamples {
		return false
	}

	a := float64(variants[0].AvgLatencyMs)
	b := float64(variants[1].AvgLatencyMs)
	max := math.Max(a, b)
	if max == 0 {
		return false
	}
	return math.Abs(a-b)/max > 0.2
}

// VariantSnapshot is one variant's accumulator in serialized form.
type VariantSnapshot struct {
	Count      int     `json:"count"`
	LatencySum float64 `json:"latency_sum"`
	TokenSum   int     `json:"token_sum"`
	TotalCost  float64 `json:"total_cost"`
}

// Snapshot is the serialized accumulator state for persistence. Pending
// assignments are deliberately not persisted; they expire within the hour.
type Snapshot struct {
	Accumulators map[string]map[string]VariantSnapshot `json:"accumulators"`
}

// Serialize exports the accumulators for persistence.
func (m *Manager) Serialize() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := Snapshot{Accumulators: make(map[string]map[string]VariantSnapshot, len(m.accumulators))}
	for experimentId, variants := range m.accumulators {
		rows := make(map[string]VariantSnapshot, len(variants))
		for variantId, acc := range variants {
			rows[variantId] = VariantSnapshot{
				Count:      acc.count,
				LatencySum: acc.latencySum,
				TokenSum:   acc.tokenSum,
				TotalCost:  acc.totalCost.sum,
			}
		}
		snapshot.Accumulators[experimentId] = rows
	}
	return snapshot
}

// FromSnapshot restores persisted accumulator state.
func (m *Manager) FromSnapshot(snapshot Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accumulators = make(map[string]map[string]*accumulator, len(snapshot.Accumulators))
	for experimentId, variants := range snapshot.Accumulators {
		rows := make(map[string]*accumulator, len(variants))
		for variantId, row := range variants {
			rows[variantId] = &accumulator{
				count:      row.Count,
				latencySum: row.LatencySum,
				tokenSum:   row.TokenSum,
				totalCost:  kahan{sum: row.TotalCost},
			}
		}
		m.accumulators[experimentId] = rows
	}
}

func (m *Manager) activeExperiment(tier slimclaw.Tier, now time.Time) *Experiment {
	for i := range m.opts.Experiments {
		experiment := &m.opts.Experiments[i]
		if experiment.Tier != tier || experiment.Status != StatusActive {
			continue
		}
		if experiment.EndAt != nil && !now.Before(*experiment.EndAt) {
			continue
		}
		return experiment
	}
	return nil
}

func (m *Manager) findExperiment(experimentId string) *Experiment {
	for i := range m.opts.Experiments {
		if m.opts.Experiments[i].Id == experimentId {
			return &m.opts.Experiments[i]
		}
	}
	return nil
}

// reap drops assignments past the TTL. Callers hold the lock.
func (m *Manager) reap(now time.Time) {
	reaped := 0
	for runId, assignment := range m.pending {
		if now.Sub(assignment.AssignedAt) > assignmentTtl {
			delete(m.pending, runId)
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Debugw("Reaped expired assignments", "count", reaped)
	}

	// Recorded outcomes delete from pending but leave their order entry
	// behind; compact once the stale entries outnumber the live ones.
	if len(m.order) > 2*len(m.pending) {
		live := m.order[:0]
		for _, runId := range m.order {
			if _, ok := m.pending[runId]; ok {
				live = append(live, runId)
			}
		}
		m.order = live
	}
}

// evict FIFO-drops the oldest assignments until the pending map is back at
// 80% capacity. Callers hold the lock.
func (m *Manager) evict() {
	target := int(float64(m.opts.MaxPendingAssignments) * evictTargetFraction)
	dropped := 0
	for dropped < len(m.order) && len(m.pending) > target {
		delete(m.pending, m.order[dropped])
		dropped++
	}
	m.order = m.order[dropped:]
	m.logger.Warnw("Evicted pending assignments", "remaining", len(m.pending))
}

func round6(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}

// hashRunId is a 31-multiplier rolling hash over the id's bytes with 32-bit
// wraparound, folded into a non-negative bucket in [0, 100).
func hashRunId(runId string) int {
	var hash int32
	for _, ch := range []byte(runId) {
		hash = hash*31 + int32(ch)
	}
	bucket := int(hash % 100)
	if bucket < 0 {
		bucket += 100
	}
	return bucket
}
