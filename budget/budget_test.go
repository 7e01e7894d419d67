package budget

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
)

func newTestTracker(opts Options, clk clock.Clock) *Tracker {
	return newTrackerWithClock(opts, zap.NewNop().Sugar(), clk)
}

func midweek() *clock.Mock {
	mockClock := clock.NewMock()
	// Wednesday.
	mockClock.Set(time.Date(2026, 2, 18, 15, 0, 0, 0, time.UTC))
	return mockClock
}

func TestCheck(t *testing.T) {
	t.Run("Block refuses once the daily limit is exceeded", func(t *testing.T) {
		tracker := newTestTracker(Options{
			Enabled:           true,
			Daily:             map[slimclaw.Tier]float64{slimclaw.TierComplex: 1.00},
			EnforcementAction: slimclaw.EnforcementBlock,
		}, midweek())

		tracker.Record(slimclaw.TierComplex, 0.60)
		tracker.Record(slimclaw.TierComplex, 0.50)

		result := tracker.Check(slimclaw.TierComplex)
		assert.False(t, result.Allowed)
		assert.InDelta(t, -0.10, result.DailyRemaining, 1e-9)
		assert.True(t, result.AlertTriggered)
	})

	t.Run("Alert-only always allows", func(t *testing.T) {
		tracker := newTestTracker(Options{
			Enabled: true,
			Daily:   map[slimclaw.Tier]float64{slimclaw.TierMid: 1.00},
		}, midweek())

		tracker.Record(slimclaw.TierMid, 5.00)
		result := tracker.Check(slimclaw.TierMid)
		assert.True(t, result.Allowed)
		assert.True(t, result.AlertTriggered)
	})

	t.Run("Alert triggers at the threshold before the limit", func(t *testing.T) {
		tracker := newTestTracker(Options{
			Enabled: true,
			Daily:   map[slimclaw.Tier]float64{slimclaw.TierMid: 1.00},
		}, midweek())

		tracker.Record(slimclaw.TierMid, 0.80)
		result := tracker.Check(slimclaw.TierMid)
		assert.True(t, result.Allowed)
		assert.True(t, result.AlertTriggered, "80% of the limit is the default alert threshold")
	})

	t.Run("Downgrade refuses only on daily overrun", func(t *testing.T) {
		tracker := newTestTracker(Options{
			Enabled:           true,
			Daily:             map[slimclaw.Tier]float64{slimclaw.TierComplex: 10.00},
			Weekly:            map[slimclaw.Tier]float64{slimclaw.TierComplex: 1.00},
			EnforcementAction: slimclaw.EnforcementDowngrade,
		}, midweek())

		tracker.Record(slimclaw.TierComplex, 2.00)

		result := tracker.Check(slimclaw.TierComplex)
		assert.True(t, result.Allowed, "weekly overrun alone does not refuse under downgrade")
		assert.True(t, result.AlertTriggered)
		assert.Less(t, result.WeeklyRemaining, 0.0)

		tracker.Record(slimclaw.TierComplex, 9.00)
		assert.False(t, tracker.Check(slimclaw.TierComplex).Allowed)
	})

	t.Run("Zero limit means unlimited", func(t *testing.T) {
		tracker := newTestTracker(Options{
			Enabled:           true,
			EnforcementAction: slimclaw.EnforcementBlock,
		}, midweek())

		tracker.Record(slimclaw.TierSimple, 1000)
		result := tracker.Check(slimclaw.TierSimple)
		assert.True(t, result.Allowed)
		assert.True(t, math.IsInf(result.DailyRemaining, 1))
		assert.False(t, result.AlertTriggered)
	})

	t.Run("Disabled tracker allows everything", func(t *testing.T) {
		tracker := newTestTracker(Options{
			Daily:             map[slimclaw.Tier]float64{slimclaw.TierSimple: 0.01},
			EnforcementAction: slimclaw.EnforcementBlock,
		}, midweek())

		tracker.Record(slimclaw.TierSimple, 100)
		assert.True(t, tracker.Check(slimclaw.TierSimple).Allowed)
	})
}

func TestRecord(t *testing.T) {
	t.Run("Non-positive costs and unknown tiers are ignored", func(t *testing.T) {
		tracker := newTestTracker(Options{Enabled: true}, midweek())
		tracker.Record(slimclaw.TierMid, 0)
		tracker.Record(slimclaw.TierMid, -1)
		tracker.Record(slimclaw.Tier("mystery"), 5)

		status := tracker.GetStatus()
		for tier, tierStatus := range status.Tiers {
			assert.Zero(t, tierStatus.DailySpent, tier)
		}
	})

	t.Run("Accumulation stays accurate over many small costs", func(t *testing.T) {
		tracker := newTestTracker(Options{Enabled: true}, midweek())
		for i := 0; i < 10000; i++ {
			tracker.Record(slimclaw.TierSimple, 0.0001)
		}

		snapshot := tracker.Serialize()
		assert.InDelta(t, 1.0, snapshot.Daily[slimclaw.TierSimple], 1e-9)
	})
}

func TestResets(t *testing.T) {
	t.Run("Daily window resets at UTC midnight", func(t *testing.T) {
		mockClock := midweek()
		tracker := newTestTracker(Options{
			Enabled: true,
			Daily:   map[slimclaw.Tier]float64{slimclaw.TierMid: 1.00},
			Weekly:  map[slimclaw.Tier]float64{slimclaw.TierMid: 10.00},
		}, mockClock)

		tracker.Record(slimclaw.TierMid, 0.90)
		mockClock.Add(12 * time.Hour) // past midnight

		result := tracker.Check(slimclaw.TierMid)
		assert.InDelta(t, 1.00, result.DailyRemaining, 1e-9, "daily window cleared")
		assert.InDelta(t, 10.00-0.90, result.WeeklyRemaining, 1e-9, "weekly window kept")
	})

	t.Run("Weekly window resets on Monday", func(t *testing.T) {
		mockClock := midweek()
		tracker := newTestTracker(Options{
			Enabled: true,
			Weekly:  map[slimclaw.Tier]float64{slimclaw.TierMid: 10.00},
		}, mockClock)

		tracker.Record(slimclaw.TierMid, 4.00)
		mockClock.Add(4 * 24 * time.Hour) // Sunday
		assert.InDelta(t, 6.00, tracker.Check(slimclaw.TierMid).WeeklyRemaining, 1e-9)

		mockClock.Add(2 * 24 * time.Hour) // past Monday 00:00
		assert.InDelta(t, 10.00, tracker.Check(slimclaw.TierMid).WeeklyRemaining, 1e-9)
	})

	t.Run("Reset timestamps are exposed in the status", func(t *testing.T) {
		tracker := newTestTracker(Options{Enabled: true}, midweek())
		status := tracker.GetStatus()
		assert.Equal(t, time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC), status.DailyResetAt)
		assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), status.WeeklyResetAt)
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	mockClock := midweek()
	tracker := newTestTracker(Options{Enabled: true}, mockClock)
	tracker.Record(slimclaw.TierComplex, 1.23)
	tracker.Record(slimclaw.TierSimple, 0.04)

	snapshot := tracker.Serialize()

	restored := newTestTracker(Options{
		Enabled: true,
		Daily:   map[slimclaw.Tier]float64{slimclaw.TierComplex: 2.00},
	}, mockClock)
	restored.FromSnapshot(snapshot)

	result := restored.Check(slimclaw.TierComplex)
	assert.InDelta(t, 2.00-1.23, result.DailyRemaining, 1e-9)

	status := restored.GetStatus()
	require.Contains(t, status.Tiers, slimclaw.TierSimple)
	assert.InDelta(t, 0.04, status.Tiers[slimclaw.TierSimple].DailySpent, 1e-9)
}
