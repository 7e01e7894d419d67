package abtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
)

func twoArmExperiment() Experiment {
	return Experiment{
		Id:     "haiku-vs-sonnet",
		Tier:   slimclaw.TierMid,
		Status: StatusActive,
		Variants: []Variant{
			{Id: "control", Model: "anthropic/claude-sonnet-4-20250514", Weight: 50},
			{Id: "candidate", Model: "anthropic/claude-3-5-haiku-20241022", Weight: 50},
		},
	}
}

func newTestManager(t *testing.T, opts Options, clk clock.Clock) *Manager {
	t.Helper()
	manager, err := newManagerWithClock(opts, zap.NewNop().Sugar(), clk)
	require.NoError(t, err)
	return manager
}

func TestNewManager(t *testing.T) {
	t.Run("Rejects experiments without variants", func(t *testing.T) {
		_, err := NewManager(Options{Experiments: []Experiment{{Id: "empty", Tier: slimclaw.TierMid, Status: StatusActive}}},
			zap.NewNop().Sugar())
		assert.ErrorContains(t, err, "no variants")
	})

	t.Run("Rejects weights not summing to 100", func(t *testing.T) {
		experiment := twoArmExperiment()
		experiment.Variants[1].Weight = 40
		_, err := NewManager(Options{Experiments: []Experiment{experiment}}, zap.NewNop().Sugar())
		assert.ErrorContains(t, err, "sum to 90")
	})
}

func TestAssign(t *testing.T) {
	opts := Options{Enabled: true, Experiments: []Experiment{twoArmExperiment()}}

	t.Run("Deterministic per run id", func(t *testing.T) {
		first := newTestManager(t, opts, clock.NewMock()).Assign(slimclaw.TierMid, "run-42")
		second := newTestManager(t, opts, clock.NewMock()).Assign(slimclaw.TierMid, "run-42")
		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.Equal(t, first.VariantId, second.VariantId)
	})

	t.Run("Spread roughly follows the weights", func(t *testing.T) {
		manager := newTestManager(t, opts, clock.NewMock())
		counts := map[string]int{}
		for i := 0; i < 1000; i++ {
			assignment := manager.Assign(slimclaw.TierMid, fmt.Sprintf("run-%d", i))
			require.NotNil(t, assignment)
			counts[assignment.VariantId]++
		}
		assert.InDelta(t, 500, counts["control"], 150)
		assert.InDelta(t, 500, counts["candidate"], 150)
	})

	t.Run("No experiment for the tier", func(t *testing.T) {
		manager := newTestManager(t, opts, clock.NewMock())
		assert.Nil(t, manager.Assign(slimclaw.TierReasoning, "run-1"))
	})

	t.Run("Ended experiments stop assigning", func(t *testing.T) {
		mockClock := clock.NewMock()
		experiment := twoArmExperiment()
		endAt := mockClock.Now().Add(time.Minute)
		experiment.EndAt = &endAt

		manager := newTestManager(t, Options{Enabled: true, Experiments: []Experiment{experiment}}, mockClock)
		assert.NotNil(t, manager.Assign(slimclaw.TierMid, "run-1"))

		mockClock.Add(2 * time.Minute)
		assert.Nil(t, manager.Assign(slimclaw.TierMid, "run-2"))
	})

	t.Run("Disabled manager assigns nothing", func(t *testing.T) {
		manager := newTestManager(t, Options{Experiments: []Experiment{twoArmExperiment()}}, clock.NewMock())
		assert.Nil(t, manager.Assign(slimclaw.TierMid, "run-1"))
	})

	t.Run("Stale assignments are reaped", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager := newTestManager(t, opts, mockClock)
		manager.Assign(slimclaw.TierMid, "old-run")

		mockClock.Add(2 * time.Hour)
		manager.Assign(slimclaw.TierMid, "new-run")

		manager.RecordOutcome("old-run", Outcome{LatencyMs: 100, Cost: 1})
		results, ok := manager.GetResults("haiku-vs-sonnet")
		require.True(t, ok)
		for _, variant := range results.Variants {
			assert.Zero(t, variant.Count, "reaped assignment must not count")
		}
	})

	t.Run("Pending map is capped with FIFO eviction", func(t *testing.T) {
		manager := newTestManager(t, Options{
			Enabled:               true,
			Experiments:           []Experiment{twoArmExperiment()},
			MaxPendingAssignments: 10,
		}, clock.NewMock())

		for i := 0; i < 11; i++ {
			manager.Assign(slimclaw.TierMid, fmt.Sprintf("run-%d", i))
		}

		manager.mu.Lock()
		defer manager.mu.Unlock()
		assert.LessOrEqual(t, len(manager.pending), 9, "evicted to 80% before the insert")
		_, oldest := manager.pending["run-0"]
		assert.False(t, oldest, "oldest assignment evicted first")
		_, newest := manager.pending["run-10"]
		assert.True(t, newest)
	})
}

func TestRecordOutcome(t *testing.T) {
	opts := Options{Enabled: true, Experiments: []Experiment{twoArmExperiment()}}

	t.Run("Accumulates and deletes the assignment", func(t *testing.T) {
		manager := newTestManager(t, opts, clock.NewMock())
		assignment := manager.Assign(slimclaw.TierMid, "run-1")
		require.NotNil(t, assignment)

		manager.RecordOutcome("run-1", Outcome{LatencyMs: 120, Cost: 0.002, OutputTokens: 40})
		manager.RecordOutcome("run-1", Outcome{LatencyMs: 120, Cost: 0.002, OutputTokens: 40})

		results, ok := manager.GetResults("haiku-vs-sonnet")
		require.True(t, ok)
		total := 0
		for _, variant := range results.Variants {
			total += variant.Count
		}
		assert.Equal(t, 1, total, "second outcome for the same run is ignored")
	})

	t.Run("Unassigned run is a no-op", func(t *testing.T) {
		manager := newTestManager(t, opts, clock.NewMock())
		manager.RecordOutcome("never-assigned", Outcome{LatencyMs: 10})
	})

	t.Run("Order list stays bounded when outcomes are recorded promptly", func(t *testing.T) {
		manager := newTestManager(t, opts, clock.NewMock())
		for i := 0; i < 5000; i++ {
			runId := fmt.Sprintf("run-%d", i)
			require.NotNil(t, manager.Assign(slimclaw.TierMid, runId))
			manager.RecordOutcome(runId, Outcome{LatencyMs: 100})
		}

		manager.mu.Lock()
		defer manager.mu.Unlock()
		assert.Empty(t, manager.pending)
		assert.LessOrEqual(t, len(manager.order), 2)
	})
}

func TestGetResults(t *testing.T) {
	t.Run("Averages and rounding", func(t *testing.T) {
		manager := newTestManager(t, Options{Enabled: true, Experiments: []Experiment{twoArmExperiment()}}, clock.NewMock())

		recorded := map[string]int{}
		for i := 0; i < 100; i++ {
			runId := fmt.Sprintf("run-%d", i)
			assignment := manager.Assign(slimclaw.TierMid, runId)
			require.NotNil(t, assignment)
			manager.RecordOutcome(runId, Outcome{LatencyMs: 100.4, Cost: 0.0000015, OutputTokens: 33})
			recorded[assignment.VariantId]++
		}

		results, ok := manager.GetResults("haiku-vs-sonnet")
		require.True(t, ok)
		for _, variant := range results.Variants {
			require.Equal(t, recorded[variant.VariantId], variant.Count)
			if variant.Count == 0 {
				continue
			}
			assert.Equal(t, 100, variant.AvgLatencyMs)
			assert.Equal(t, 33, variant.AvgOutputTokens)
			assert.InDelta(t, 0.000002, variant.AvgCost, 1e-12, "cost is rounded to 6 decimals")
		}
	})

	t.Run("Unknown experiment", func(t *testing.T) {
		manager := newTestManager(t, Options{Enabled: true, Experiments: []Experiment{twoArmExperiment()}}, clock.NewMock())
		_, ok := manager.GetResults("nope")
		assert.False(t, ok)
	})

	t.Run("Significance needs enough samples and a 20% gap", func(t *testing.T) {
		manager := newTestManager(t, Options{Enabled: true, Experiments: []Experiment{twoArmExperiment()}}, clock.NewMock())

		fast, slow := 0, 0
		for i := 0; fast < 40 || slow < 40; i++ {
			runId := fmt.Sprintf("run-%d", i)
			assignment := manager.Assign(slimclaw.TierMid, runId)
			require.NotNil(t, assignment)
			if assignment.VariantId == "control" {
				manager.RecordOutcome(runId, Outcome{LatencyMs: 1000})
				slow++
			} else {
				manager.RecordOutcome(runId, Outcome{LatencyMs: 500})
				fast++
			}
		}

		results, ok := manager.GetResults("haiku-vs-sonnet")
		require.True(t, ok)
		assert.True(t, results.Significant)
	})

	t.Run("Small samples are never significant", func(t *testing.T) {
		manager := newTestManager(t, Options{Enabled: true, Experiments: []Experiment{twoArmExperiment()}}, clock.NewMock())
		for i := 0; i < 10; i++ {
			runId := fmt.Sprintf("run-%d", i)
			if manager.Assign(slimclaw.TierMid, runId) != nil {
				manager.RecordOutcome(runId, Outcome{LatencyMs: float64(100 * (i + 1))})
			}
		}
		results, ok := manager.GetResults("haiku-vs-sonnet")
		require.True(t, ok)
		assert.False(t, results.Significant)
	})
}
