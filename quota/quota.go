// Package quota implements per-tenant admission control across three
// dimensions: concurrent previews, snapshot rate, and monthly LLM spend.
// Counters are RAM-authoritative and crash-survive through their own JSONL
// journal; the check-and-increment critical section holds its own lock,
// independent of the registry.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Dimension names a quota axis.
type Dimension string

const (
	DimensionPreview  Dimension = "preview"
	DimensionSnapshot Dimension = "snapshot"
	DimensionLLM      Dimension = "llm"
)

// IsValid returns true if the dimension is known.
func (d Dimension) IsValid() bool {
	switch d {
	case DimensionPreview, DimensionSnapshot, DimensionLLM:
		return true
	default:
		return false
	}
}

// Denial codes forming part of the external contract.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodePaymentRequired   = "payment_required"
)

// Sentinel errors for quota operations.
var (
	ErrUnknownDimension = errors.New("unknown quota dimension")
	ErrNegativeLimit    = errors.New("quota limit must be non-negative")
)

// Reset windows. Snapshot counters reset per minute; LLM spend per 30 days.
const (
	snapshotWindow = time.Minute
	llmWindow      = 30 * 24 * time.Hour
)

// TenantQuota holds the configured limits for one tenant.
type TenantQuota struct {
	// ActivePreviewsLimit caps concurrently running previews.
	ActivePreviewsLimit int `json:"active_previews_limit"`

	// SnapshotRatePerMinute caps snapshot operations per rate window.
	SnapshotRatePerMinute int `json:"snapshot_rate_per_minute"`

	// LLMMonthlyBudget caps LLM spend per 30-day window, in cost units.
	LLMMonthlyBudget float64 `json:"llm_monthly_budget"`
}

// DefaultQuota returns the limits applied to tenants without an explicit
// quota record.
func DefaultQuota() TenantQuota {
	return TenantQuota{
		ActivePreviewsLimit:   3,
		SnapshotRatePerMinute: 30,
		LLMMonthlyBudget:      100,
	}
}

// TenantUsage holds the live counters for one tenant.
type TenantUsage struct {
	// ActivePreviews counts currently running previews.
	ActivePreviews int `json:"active_previews"`

	// SnapshotsThisWindow counts snapshots in the current rate window.
	SnapshotsThisWindow int `json:"snapshots_this_window"`

	// LLMSpendThisPeriod accumulates spend in the current budget window.
	LLMSpendThisPeriod float64 `json:"llm_spend_this_period"`

	// SnapshotWindowStart marks the start of the current rate window.
	SnapshotWindowStart time.Time `json:"snapshot_window_start"`

	// LLMPeriodStart marks the start of the current budget window.
	LLMPeriodStart time.Time `json:"llm_period_start"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool `json:"allowed"`

	// Code is the denial code, for denied decisions.
	Code string `json:"code,omitempty"`

	// Dimension names the checked axis.
	Dimension Dimension `json:"dimension"`

	// Current is the usage counter value at check time.
	Current float64 `json:"current"`

	// Limit is the configured limit.
	Limit float64 `json:"limit"`

	// EstimatedCost echoes the requested cost, for LLM checks.
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// tenantState pairs limits with usage.
type tenantState struct {
	Quota TenantQuota `json:"quota"`
	Usage TenantUsage `json:"usage"`
}

// Manager is the tenant quota manager. All methods are safe for concurrent
// use; the lock is held only for the check-and-increment critical section.
type Manager struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	journal *Journal
	logger  *slog.Logger

	// defaults seeds limits for tenants on first touch.
	defaults TenantQuota

	// now is injected for tests; defaults to time.Now.
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger injects the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDefaults overrides the limits seeded for first-touch tenants.
func WithDefaults(q TenantQuota) Option {
	return func(m *Manager) { m.defaults = q }
}

// NewManager creates a Manager, replaying the journal at path. An empty
// path disables persistence.
func NewManager(journalPath string, opts ...Option) (*Manager, error) {
	m := &Manager{
		tenants:  make(map[string]*tenantState),
		logger:   slog.Default(),
		defaults: DefaultQuota(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if journalPath != "" {
		states, err := ReplayQuotaJournal(journalPath, m.logger)
		if err != nil {
			return nil, fmt.Errorf("replay quota journal: %w", err)
		}
		m.tenants = states

		j, err := OpenJournal(journalPath)
		if err != nil {
			return nil, fmt.Errorf("open quota journal: %w", err)
		}
		m.journal = j
	}
	return m, nil
}

// Close flushes and closes the journal.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.journal == nil {
		return nil
	}
	return m.journal.Close()
}

// state returns the tenant's state, creating defaults on first touch. Caller
// holds the lock.
func (m *Manager) state(tenantID string) *tenantState {
	st, ok := m.tenants[tenantID]
	if !ok {
		now := m.now()
		st = &tenantState{
			Quota: m.defaults,
			Usage: TenantUsage{SnapshotWindowStart: now, LLMPeriodStart: now},
		}
		m.tenants[tenantID] = st
	}
	return st
}

// persist journals the tenant's state. Caller holds the lock. Journal
// failures are logged, not fatal: admission control keeps working on RAM.
func (m *Manager) persist(tenantID string, st *tenantState) {
	if m.journal == nil {
		return
	}
	if err := m.journal.AppendState(tenantID, st); err != nil {
		m.logger.Error("quota journal append failed", "tenant_id", tenantID, "error", err)
	}
}

// resetIfDue applies the wall-clock reset schedule to one tenant. Resets are
// idempotent. Caller holds the lock.
func (m *Manager) resetIfDue(tenantID string, st *tenantState) {
	now := m.now()
	changed := false

	if now.Sub(st.Usage.SnapshotWindowStart) >= snapshotWindow {
		st.Usage.SnapshotsThisWindow = 0
		st.Usage.SnapshotWindowStart = now
		changed = true
	}
	if now.Sub(st.Usage.LLMPeriodStart) >= llmWindow {
		st.Usage.LLMSpendThisPeriod = 0
		st.Usage.LLMPeriodStart = now
		changed = true
	}
	if changed {
		m.persist(tenantID, st)
	}
}

// CheckPreviewQuota reports whether the tenant may start another preview.
func (m *Manager) CheckPreviewQuota(tenantID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	d := Decision{
		Dimension: DimensionPreview,
		Current:   float64(st.Usage.ActivePreviews),
		Limit:     float64(st.Quota.ActivePreviewsLimit),
	}
	if st.Usage.ActivePreviews >= st.Quota.ActivePreviewsLimit {
		d.Code = CodeRateLimitExceeded
		return d
	}
	d.Allowed = true
	return d
}

// CheckSnapshotQuota reports whether the tenant may take another snapshot in
// the current rate window.
func (m *Manager) CheckSnapshotQuota(tenantID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	m.resetIfDue(tenantID, st)

	d := Decision{
		Dimension: DimensionSnapshot,
		Current:   float64(st.Usage.SnapshotsThisWindow),
		Limit:     float64(st.Quota.SnapshotRatePerMinute),
	}
	if st.Usage.SnapshotsThisWindow >= st.Quota.SnapshotRatePerMinute {
		d.Code = CodeRateLimitExceeded
		return d
	}
	d.Allowed = true
	return d
}

// CheckLLMQuota reports whether estimatedCost fits the tenant's remaining
// budget for the current period.
func (m *Manager) CheckLLMQuota(tenantID string, estimatedCost float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	m.resetIfDue(tenantID, st)

	d := Decision{
		Dimension:     DimensionLLM,
		Current:       st.Usage.LLMSpendThisPeriod,
		Limit:         st.Quota.LLMMonthlyBudget,
		EstimatedCost: estimatedCost,
	}
	if st.Usage.LLMSpendThisPeriod+estimatedCost > st.Quota.LLMMonthlyBudget {
		d.Code = CodePaymentRequired
		return d
	}
	d.Allowed = true
	return d
}

// IncrementPreview adjusts the active preview counter by delta, which may be
// negative on build termination. The counter never goes below zero.
func (m *Manager) IncrementPreview(tenantID string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	st.Usage.ActivePreviews += delta
	if st.Usage.ActivePreviews < 0 {
		st.Usage.ActivePreviews = 0
	}
	m.persist(tenantID, st)
}

// IncrementSnapshot adjusts the snapshot counter by delta.
func (m *Manager) IncrementSnapshot(tenantID string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	m.resetIfDue(tenantID, st)
	st.Usage.SnapshotsThisWindow += delta
	if st.Usage.SnapshotsThisWindow < 0 {
		st.Usage.SnapshotsThisWindow = 0
	}
	m.persist(tenantID, st)
}

// IncrementLLMSpend adds cost to the tenant's spend for the current period.
func (m *Manager) IncrementLLMSpend(tenantID string, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	m.resetIfDue(tenantID, st)
	st.Usage.LLMSpendThisPeriod += cost
	if st.Usage.LLMSpendThisPeriod < 0 {
		st.Usage.LLMSpendThisPeriod = 0
	}
	m.persist(tenantID, st)
}

// UpdateQuota changes one limit and journals an audit record of who changed
// what.
func (m *Manager) UpdateQuota(tenantID string, dimension Dimension, newValue float64, changedBy string) error {
	if newValue < 0 {
		return ErrNegativeLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	var old float64
	switch dimension {
	case DimensionPreview:
		old = float64(st.Quota.ActivePreviewsLimit)
		st.Quota.ActivePreviewsLimit = int(newValue)
	case DimensionSnapshot:
		old = float64(st.Quota.SnapshotRatePerMinute)
		st.Quota.SnapshotRatePerMinute = int(newValue)
	case DimensionLLM:
		old = st.Quota.LLMMonthlyBudget
		st.Quota.LLMMonthlyBudget = newValue
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDimension, dimension)
	}

	m.persist(tenantID, st)
	if m.journal != nil {
		if err := m.journal.AppendAudit(tenantID, dimension, old, newValue, changedBy); err != nil {
			m.logger.Error("quota audit append failed", "tenant_id", tenantID, "error", err)
		}
	}
	m.logger.Info("quota updated",
		"tenant_id", tenantID,
		"dimension", dimension,
		"old", old,
		"new", newValue,
		"changed_by", changedBy)
	return nil
}

// Snapshot returns a copy of the tenant's quota and usage.
func (m *Manager) Snapshot(tenantID string) (TenantQuota, TenantUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(tenantID)
	return st.Quota, st.Usage
}

// RunResetLoop drives the reset schedule at 1 Hz until the context ends.
// Each tick sweeps every known tenant; resets themselves are idempotent.
func (m *Manager) RunResetLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			for id, st := range m.tenants {
				m.resetIfDue(id, st)
			}
			m.mu.Unlock()
		}
	}
}
