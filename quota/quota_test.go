package quota

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager("", opts...)
	require.NoError(t, err)
	return m
}

func TestPreviewQuota(t *testing.T) {
	m := newTestManager(t, WithDefaults(TenantQuota{
		ActivePreviewsLimit:   1,
		SnapshotRatePerMinute: 30,
		LLMMonthlyBudget:      100,
	}))

	d := m.CheckPreviewQuota("acme")
	assert.True(t, d.Allowed)
	m.IncrementPreview("acme", 1)

	d = m.CheckPreviewQuota("acme")
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeRateLimitExceeded, d.Code)
	assert.Equal(t, DimensionPreview, d.Dimension)
	assert.Equal(t, float64(1), d.Current)
	assert.Equal(t, float64(1), d.Limit)

	// Another tenant is unaffected.
	assert.True(t, m.CheckPreviewQuota("globex").Allowed)

	// Releasing the preview frees the slot.
	m.IncrementPreview("acme", -1)
	assert.True(t, m.CheckPreviewQuota("acme").Allowed)
}

func TestPreviewCounterFloorsAtZero(t *testing.T) {
	m := newTestManager(t)
	m.IncrementPreview("acme", -5)
	_, usage := m.Snapshot("acme")
	assert.Equal(t, 0, usage.ActivePreviews)
}

func TestLLMQuota(t *testing.T) {
	m := newTestManager(t, WithDefaults(TenantQuota{
		ActivePreviewsLimit:   3,
		SnapshotRatePerMinute: 30,
		LLMMonthlyBudget:      10,
	}))

	d := m.CheckLLMQuota("acme", 4)
	assert.True(t, d.Allowed)
	m.IncrementLLMSpend("acme", 4)

	// 4 + 7 > 10: the estimated cost must fit the remaining budget.
	d = m.CheckLLMQuota("acme", 7)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodePaymentRequired, d.Code)
	assert.Equal(t, float64(4), d.Current)
	assert.Equal(t, float64(7), d.EstimatedCost)

	assert.True(t, m.CheckLLMQuota("acme", 6).Allowed)
}

func TestSnapshotWindowReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t,
		WithClock(func() time.Time { return now }),
		WithDefaults(TenantQuota{
			ActivePreviewsLimit:   3,
			SnapshotRatePerMinute: 2,
			LLMMonthlyBudget:      100,
		}))

	m.IncrementSnapshot("acme", 2)
	assert.False(t, m.CheckSnapshotQuota("acme").Allowed)

	// Advancing past the window resets the counter; repeated checks within
	// the new window do not reset again.
	now = now.Add(61 * time.Second)
	assert.True(t, m.CheckSnapshotQuota("acme").Allowed)
	m.IncrementSnapshot("acme", 1)
	d := m.CheckSnapshotQuota("acme")
	assert.True(t, d.Allowed)
	assert.Equal(t, float64(1), d.Current, "reset must be idempotent within a window")
}

func TestLLMPeriodReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, WithClock(func() time.Time { return now }))

	m.IncrementLLMSpend("acme", 100)
	assert.False(t, m.CheckLLMQuota("acme", 1).Allowed)

	now = now.Add(31 * 24 * time.Hour)
	assert.True(t, m.CheckLLMQuota("acme", 1).Allowed)
}

func TestUpdateQuota(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.UpdateQuota("acme", DimensionPreview, 10, "admin@acme"))
	q, _ := m.Snapshot("acme")
	assert.Equal(t, 10, q.ActivePreviewsLimit)

	assert.ErrorIs(t, m.UpdateQuota("acme", DimensionPreview, -1, "admin@acme"), ErrNegativeLimit)
	assert.ErrorIs(t, m.UpdateQuota("acme", Dimension("plutonium"), 1, "admin@acme"), ErrUnknownDimension)
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.journal")

	m, err := NewManager(path)
	require.NoError(t, err)
	m.IncrementPreview("acme", 2)
	m.IncrementLLMSpend("acme", 12.5)
	require.NoError(t, m.UpdateQuota("acme", DimensionSnapshot, 5, "ops"))
	require.NoError(t, m.Close())

	restored, err := NewManager(path)
	require.NoError(t, err)
	defer restored.Close()

	q, usage := restored.Snapshot("acme")
	assert.Equal(t, 2, usage.ActivePreviews)
	assert.Equal(t, 12.5, usage.LLMSpendThisPeriod)
	assert.Equal(t, 5, q.SnapshotRatePerMinute)
}

func TestDimensionIsValid(t *testing.T) {
	assert.True(t, DimensionPreview.IsValid())
	assert.True(t, DimensionLLM.IsValid())
	assert.False(t, Dimension("plutonium").IsValid())
}
