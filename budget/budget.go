// Package budget tracks per-tier spend against daily and weekly USD limits.
// Windows reset at UTC midnight and Monday 00:00 UTC respectively.
package budget

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	slimclaw "github.com/slimclaw/slimclaw"
)

// Options configures the tracker. A zero limit means unlimited.
type Options struct {
	Enabled               bool                       `yaml:"enabled"`
	Daily                 map[slimclaw.Tier]float64  `yaml:"daily"`
	Weekly                map[slimclaw.Tier]float64  `yaml:"weekly"`
	AlertThresholdPercent float64                    `yaml:"alert_threshold_percent"`
	EnforcementAction     slimclaw.EnforcementAction `yaml:"enforcement_action"`
}

const DefaultAlertThresholdPercent = 80

// CheckResult is the verdict for one tier at one instant.
type CheckResult struct {
	Allowed         bool    `json:"allowed"`
	DailyRemaining  float64 `json:"daily_remaining"`
	WeeklyRemaining float64 `json:"weekly_remaining"`
	AlertTriggered  bool    `json:"alert_triggered"`
}

// TierStatus is one tier's row in a status snapshot. Spent values are rounded
// to cents.
type TierStatus struct {
	DailySpent  float64 `json:"daily_spent"`
	DailyLimit  float64 `json:"daily_limit"`
	WeeklySpent float64 `json:"weekly_spent"`
	WeeklyLimit float64 `json:"weekly_limit"`
}

// Status is a point-in-time view over all tiers.
type Status struct {
	Tiers         map[slimclaw.Tier]TierStatus `json:"tiers"`
	DailyResetAt  time.Time                    `json:"daily_reset_at"`
	WeeklyResetAt time.Time                    `json:"weekly_reset_at"`
}

// Snapshot is the serialized tracker state for persistence.
type Snapshot struct {
	Daily         map[slimclaw.Tier]float64 `json:"daily"`
	Weekly        map[slimclaw.Tier]float64 `json:"weekly"`
	DailyResetAt  time.Time                 `json:"daily_reset_at"`
	WeeklyResetAt time.Time                 `json:"weekly_reset_at"`
}

// kahan is a compensated running sum; plain accumulation drifts over many
// small per-request costs.
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

type Tracker struct {
	opts   Options
	logger *zap.SugaredLogger
	clock  clock.Clock

	mu            sync.Mutex
	daily         map[slimclaw.Tier]*kahan
	weekly        map[slimclaw.Tier]*kahan
	dailyResetAt  time.Time
	weeklyResetAt time.Time
}

func NewTracker(opts Options, logger *zap.SugaredLogger) *Tracker {
	return newTrackerWithClock(opts, logger, clock.New())
}

func newTrackerWithClock(opts Options, logger *zap.SugaredLogger, clk clock.Clock) *Tracker {
	if opts.AlertThresholdPercent <= 0 {
		opts.AlertThresholdPercent = DefaultAlertThresholdPercent
	}
	if opts.EnforcementAction == "" {
		opts.EnforcementAction = slimclaw.EnforcementAlertOnly
	}
	now := clk.Now().UTC()
	return &Tracker{
		opts:          opts,
		logger:        logger,
		clock:         clk,
		daily:         make(map[slimclaw.Tier]*kahan),
		weekly:        make(map[slimclaw.Tier]*kahan),
		dailyResetAt:  nextUTCMidnight(now),
		weeklyResetAt: nextMondayMidnight(now),
	}
}

// Record adds spend to the tier's daily and weekly windows. Disabled
// trackers, non-positive costs, and unknown tiers are ignored.
func (t *Tracker) Record(tier slimclaw.Tier, costUSD float64) {
	if !t.opts.Enabled || costUSD <= 0 || !tier.Valid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	sumFor(t.daily, tier).add(costUSD)
	sumFor(t.weekly, tier).add(costUSD)
}

// Check reports whether a request for the tier may proceed. With
// "alert-only" the answer is always yes; "block" refuses when either window
// is over; "downgrade" refuses only when the daily window is over, so the
// router can still pick a cheaper tier on weekly exhaustion.
func (t *Tracker) Check(tier slimclaw.Tier) CheckResult {
	if !t.opts.Enabled {
		return CheckResult{Allowed: true, DailyRemaining: math.Inf(1), WeeklyRemaining: math.Inf(1)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	dailySpent := spentOf(t.daily, tier)
	weeklySpent := spentOf(t.weekly, tier)
	dailyRemaining, dailyOver, dailyAlert := windowState(dailySpent, t.opts.Daily[tier], t.opts.AlertThresholdPercent)
	weeklyRemaining, weeklyOver, weeklyAlert := windowState(weeklySpent, t.opts.Weekly[tier], t.opts.AlertThresholdPercent)

	allowed := true
	switch t.opts.EnforcementAction {
	case slimclaw.EnforcementBlock:
		allowed = !dailyOver && !weeklyOver
	case slimclaw.EnforcementDowngrade:
		allowed = !dailyOver
	}

	result := CheckResult{
		Allowed:         allowed,
		DailyRemaining:  dailyRemaining,
		WeeklyRemaining: weeklyRemaining,
		AlertTriggered:  dailyAlert || weeklyAlert,
	}
	if !allowed || result.AlertTriggered {
		t.logger.Warnw("Budget threshold reached",
			"tier", tier, "allowed", allowed,
			"daily_remaining", dailyRemaining, "weekly_remaining", weeklyRemaining)
	}
	return result
}

// GetStatus snapshots spend and limits per tier, rounded to cents.
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	status := Status{
		Tiers:         make(map[slimclaw.Tier]TierStatus, len(slimclaw.Tiers)),
		DailyResetAt:  t.dailyResetAt,
		WeeklyResetAt: t.weeklyResetAt,
	}
	for _, tier := range slimclaw.Tiers {
		status.Tiers[tier] = TierStatus{
			DailySpent:  roundCents(spentOf(t.daily, tier)),
			DailyLimit:  t.opts.Daily[tier],
			WeeklySpent: roundCents(spentOf(t.weekly, tier)),
			WeeklyLimit: t.opts.Weekly[tier],
		}
	}
	return status
}

// Serialize exports the tracker state for persistence.
func (t *Tracker) Serialize() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := Snapshot{
		Daily:         make(map[slimclaw.Tier]float64, len(t.daily)),
		Weekly:        make(map[slimclaw.Tier]float64, len(t.weekly)),
		DailyResetAt:  t.dailyResetAt,
		WeeklyResetAt: t.weeklyResetAt,
	}
	for tier, sum := range t.daily {
		snapshot.Daily[tier] = sum.sum
	}
	for tier, sum := range t.weekly {
		snapshot.Weekly[tier] = sum.sum
	}
	return snapshot
}

// FromSnapshot restores persisted state. Stale windows are cleared by the
// next maybeReset.
func (t *Tracker) FromSnapshot(snapshot Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.daily = make(map[slimclaw.Tier]*kahan, len(snapshot.Daily))
	for tier, spent := range snapshot.Daily {
		t.daily[tier] = &kahan{sum: spent}
	}
	t.weekly = make(map[slimclaw.Tier]*kahan, len(snapshot.Weekly))
	for tier, spent := range snapshot.Weekly {
		t.weekly[tier] = &kahan{sum: spent}
	}
	if !snapshot.DailyResetAt.IsZero() {
		t.dailyResetAt = snapshot.DailyResetAt
	}
	if !snapshot.WeeklyResetAt.IsZero() {
		t.weeklyResetAt = snapshot.WeeklyResetAt
	}
}

// maybeReset rolls expired windows forward. Idempotent; callers hold the lock.
func (t *Tracker) maybeReset() {
	now := t.clock.Now().UTC()
	if !now.Before(t.dailyResetAt) {
		t.daily = make(map[slimclaw.Tier]*kahan)
		t.dailyResetAt = nextUTCMidnight(now)
		t.logger.Infow("Daily budget window reset", "next_reset", t.dailyResetAt)
	}
	if !now.Before(t.weeklyResetAt) {
		t.weekly = make(map[slimclaw.Tier]*kahan)
		t.weeklyResetAt = nextMondayMidnight(now)
		t.logger.Infow("Weekly budget window reset", "next_reset", t.weeklyResetAt)
	}
}

func sumFor(sums map[slimclaw.Tier]*kahan, tier slimclaw.Tier) *kahan {
	sum, ok := sums[tier]
	if !ok {
		sum = &kahan{}
		sums[tier] = sum
	}
	return sum
}

func spentOf(sums map[slimclaw.Tier]*kahan, tier slimclaw.Tier) float64 {
	if sum, ok := sums[tier]; ok {
		return sum.sum
	}
	return 0
}

// windowState reports remaining budget, overrun, and alert for one window.
// A zero limit is unlimited.
func windowState(spent, limit, alertThresholdPercent float64) (remaining float64, over, alert bool) {
	if limit <= 0 {
		return math.Inf(1), false, false
	}
	remaining = limit - spent
	over = spent > limit
	alert = spent/limit*100 >= alertThresholdPercent
	return remaining, over, alert
}

func roundCents(value float64) float64 {
	return math.Round(value*100) / 100
}

func nextUTCMidnight(now time.Time) time.Time {
	year, month, day := now.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func nextMondayMidnight(now time.Time) time.Time {
	now = now.UTC()
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
}
