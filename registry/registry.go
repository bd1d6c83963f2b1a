package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the tenant-scoped build store. A single writer lock
// serializes mutations; reads return deep-copy snapshots. Every mutation is
// journaled before the in-memory state is committed, so a post-crash replay
// yields a state no older than the last acknowledged write.
type Registry struct {
	mu      sync.RWMutex
	builds  map[RecordKey]*Build
	byIdem  map[string]string // tenant + "/" + idempotency key -> build id
	journal *Journal
	logger  *slog.Logger
}

// New opens the journal at path, replays it, and returns a ready registry.
func New(journalPath string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	builds, err := ReplayJournal(journalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	journal, err := OpenJournal(journalPath, logger)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		builds:  builds,
		byIdem:  make(map[string]string),
		journal: journal,
		logger:  logger,
	}
	for key, b := range builds {
		if b.IdempotencyKey != "" {
			r.byIdem[idemKey(key.TenantID, b.IdempotencyKey)] = b.BuildID
		}
	}

	if len(builds) > 0 {
		logger.Info("registry restored from journal", slog.Int("builds", len(builds)))
	}
	return r, nil
}

// Close closes the underlying journal.
func (r *Registry) Close() error {
	return r.journal.Close()
}

func idemKey(tenantID, key string) string {
	return tenantID + "/" + key
}

// Register inserts a fresh build in queued state. Registration is
// idempotent on (tenant, idempotency key): a second call returns the prior
// build id without creating a new record.
func (r *Registry) Register(b *Build) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.IdempotencyKey != "" {
		if existing, ok := r.byIdem[idemKey(b.TenantID, b.IdempotencyKey)]; ok {
			return existing, nil
		}
	}

	if b.BuildID == "" {
		b.BuildID = NewBuildID()
	}
	b.Status = BuildQueued
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now

	key := RecordKey{TenantID: b.TenantID, BuildID: b.BuildID}
	if err := r.appendSnapshot(KindRegister, key, b); err != nil {
		return "", err
	}

	r.builds[key] = b.Clone()
	if b.IdempotencyKey != "" {
		r.byIdem[idemKey(b.TenantID, b.IdempotencyKey)] = b.BuildID
	}
	return b.BuildID, nil
}

// Update applies a partial mutation to a build. The mutation runs against a
// clone; it is journaled and committed only if it returns nil. A tenant
// mismatch fails with ErrNotFound, never a forbidden error, to avoid
// existence leaks.
func (r *Registry) Update(buildID, tenantID string, mutate func(*Build) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := RecordKey{TenantID: tenantID, BuildID: buildID}
	cur, ok := r.builds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now()

	if err := r.appendSnapshot(KindUpdate, key, next); err != nil {
		return err
	}
	r.builds[key] = next
	return nil
}

// appendSnapshot journals a full build snapshot. Must be called with the
// writer lock held so journal order matches mutation order.
func (r *Registry) appendSnapshot(kind RecordKind, key RecordKey, b *Build) error {
	fields, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal build snapshot: %w", err)
	}
	if err := r.journal.Append(Record{Kind: kind, Key: key, Fields: fields}); err != nil {
		r.logger.Error("journal append failed; mutation aborted",
			slog.String("build_id", key.BuildID), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// SetStatus transitions the build status, enforcing the write-once terminal
// invariant. Setting the same status twice is a no-op.
func (r *Registry) SetStatus(buildID, tenantID string, status BuildStatus) error {
	return r.Update(buildID, tenantID, func(b *Build) error {
		if b.Status == status {
			return nil
		}
		if b.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, b.Status)
		}
		if !b.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, status)
		}
		b.Status = status
		if status == BuildRunning && b.StartedAt == nil {
			now := time.Now()
			b.StartedAt = &now
		}
		return nil
	})
}

// AppendLog appends a line to the build's bounded log ring. The line is
// journaled as a log record, not a full snapshot.
func (r *Registry) AppendLog(buildID, tenantID, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := RecordKey{TenantID: tenantID, BuildID: buildID}
	cur, ok := r.builds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}

	fields, err := json.Marshal(logFields{Line: line})
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	if err := r.journal.Append(Record{Kind: KindLog, Key: key, Fields: fields}); err != nil {
		return err
	}

	cur.AppendLogLine(line)
	cur.UpdatedAt = time.Now()
	return nil
}

// Get returns a deep-copy snapshot of a build. A tenant mismatch returns
// ErrNotFound.
func (r *Registry) Get(buildID, tenantID string) (*Build, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.builds[RecordKey{TenantID: tenantID, BuildID: buildID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, buildID)
	}
	return b.Clone(), nil
}

// List returns the tenant's builds, newest first by creation time. The
// limit is clamped to [1,100].
func (r *Registry) List(tenantID string, limit int) []*Build {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Build
	for key, b := range r.builds {
		if key.TenantID == tenantID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DecideGate records a human decision on a pending gate.
func (r *Registry) DecideGate(buildID, tenantID, gateID string, status GateStatus, decidedBy, notes string) error {
	if status != GateApproved && status != GateRejected {
		return fmt.Errorf("%w: cannot decide to %s", ErrInvalidTransition, status)
	}
	return r.Update(buildID, tenantID, func(b *Build) error {
		gate := b.Gate(gateID)
		if gate == nil {
			return fmt.Errorf("%w: gate %s", ErrNotFound, gateID)
		}
		if gate.Status != GatePending {
			return fmt.Errorf("%w: %s", ErrGateNotPending, gate.Status)
		}
		now := time.Now()
		gate.Status = status
		gate.DecidedBy = decidedBy
		gate.DecidedAt = &now
		gate.Notes = notes
		return nil
	})
}

// FindGate locates a gate by id across the tenant's builds.
func (r *Registry) FindGate(tenantID, gateID string) (*Build, *ApprovalGate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, b := range r.builds {
		if key.TenantID != tenantID {
			continue
		}
		if g := b.Gate(gateID); g != nil {
			snap := b.Clone()
			return snap, snap.Gate(gateID), nil
		}
	}
	return nil, nil, fmt.Errorf("%w: gate %s", ErrNotFound, gateID)
}
