package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "test.journal"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func queuedBuild(tenantID, idemKey string) *Build {
	return &Build{
		TenantID:       tenantID,
		SpecID:         "spec-1",
		PlanID:         "plan-1",
		IdempotencyKey: idemKey,
		Iteration:      1,
		MaxIterations:  3,
	}
}

func TestRegisterAssignsIdentity(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	b, err := r.Get(id, "acme")
	require.NoError(t, err)
	assert.Equal(t, BuildQueued, b.Status)
	assert.False(t, b.CreatedAt.IsZero())
}

func TestRegisterIdempotency(t *testing.T) {
	r := testRegistry(t)

	first, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)
	second, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "same (tenant, key) must resolve to one build")

	// Same key for a different tenant is a different build.
	other, err := r.Register(queuedBuild("rival", "k1"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	assert.Len(t, r.List("acme", 10), 1)
}

func TestTenantIsolation(t *testing.T) {
	r := testRegistry(t)

	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	_, err = r.Get(id, "rival")
	assert.ErrorIs(t, err, ErrNotFound, "cross-tenant read must look like absence")

	err = r.Update(id, "rival", func(b *Build) error { b.Iteration = 99; return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, r.List("rival", 10))
	assert.Len(t, r.List("acme", 10), 1)
}

func TestStatusTransitions(t *testing.T) {
	r := testRegistry(t)
	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	require.NoError(t, r.SetStatus(id, "acme", BuildRunning))
	b, err := r.Get(id, "acme")
	require.NoError(t, err)
	require.NotNil(t, b.StartedAt)

	require.NoError(t, r.SetStatus(id, "acme", BuildSucceeded))

	// Terminal is write-once.
	err = r.SetStatus(id, "acme", BuildFailed)
	assert.ErrorIs(t, err, ErrTerminal)

	// Same status twice is a no-op, even when terminal.
	assert.NoError(t, r.SetStatus(id, "acme", BuildSucceeded))
}

func TestInvalidTransition(t *testing.T) {
	r := testRegistry(t)
	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	err = r.SetStatus(id, "acme", BuildSucceeded)
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued cannot jump to succeeded")
}

func TestAppendLogRing(t *testing.T) {
	r := testRegistry(t)
	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	for i := 0; i < LogCapacity+20; i++ {
		require.NoError(t, r.AppendLog(id, "acme", "line"))
	}

	b, err := r.Get(id, "acme")
	require.NoError(t, err)
	assert.Len(t, b.Logs, LogCapacity, "ring must discard oldest lines")
}

func TestUpdateIsolatesSnapshots(t *testing.T) {
	r := testRegistry(t)
	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	b, err := r.Get(id, "acme")
	require.NoError(t, err)
	b.Steps = append(b.Steps, Step{StepID: "rogue"})

	again, err := r.Get(id, "acme")
	require.NoError(t, err)
	assert.Empty(t, again.Steps, "mutating a snapshot must not affect the registry")
}

func TestUpdateAbortsOnMutationError(t *testing.T) {
	r := testRegistry(t)
	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	boom := assert.AnError
	err = r.Update(id, "acme", func(b *Build) error {
		b.Iteration = 42
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := r.Get(id, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Iteration, "failed mutation must not commit")
}

func TestDecideGate(t *testing.T) {
	r := testRegistry(t)
	id, err := r.Register(queuedBuild("acme", "k1"))
	require.NoError(t, err)

	require.NoError(t, r.Update(id, "acme", func(b *Build) error {
		b.Gates = append(b.Gates, ApprovalGate{
			ID: "gate-1", BuildID: id, StepID: "s1",
			GateType: "escalation", Status: GatePending,
		})
		return nil
	}))

	require.NoError(t, r.DecideGate(id, "acme", "gate-1", GateApproved, "alex", "looks fine"))

	b, gate, err := r.FindGate("acme", "gate-1")
	require.NoError(t, err)
	assert.Equal(t, id, b.BuildID)
	assert.Equal(t, GateApproved, gate.Status)
	assert.Equal(t, "alex", gate.DecidedBy)
	require.NotNil(t, gate.DecidedAt)

	// A decided gate cannot be decided again.
	err = r.DecideGate(id, "acme", "gate-1", GateRejected, "sam", "")
	assert.ErrorIs(t, err, ErrGateNotPending)

	// Deciding back to pending is never valid.
	err = r.DecideGate(id, "acme", "gate-1", GatePending, "sam", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = r.FindGate("rival", "gate-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderAndClamp(t *testing.T) {
	r := testRegistry(t)
	for i := 0; i < 5; i++ {
		_, err := r.Register(queuedBuild("acme", ""))
		require.NoError(t, err)
	}

	builds := r.List("acme", 3)
	assert.Len(t, builds, 3)
	for i := 1; i < len(builds); i++ {
		assert.False(t, builds[i].CreatedAt.After(builds[i-1].CreatedAt), "newest first")
	}

	assert.Len(t, r.List("acme", 0), 1, "limit clamps up to 1")
}
