// Package plan defines compiled build plans: typed task graphs with
// dependencies and acceptance criteria, plus the versioned in-memory store
// that links replanned plans to their originals.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for plan operations.
var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrSpecRequired = errors.New("spec id is required")
	ErrEmptyGraph   = errors.New("plan graph has no tasks")
)

// TaskType classifies the kind of work a task node represents.
type TaskType string

const (
	// TaskCreateFile creates a single file with given content.
	TaskCreateFile TaskType = "create_file"

	// TaskCreateDirectory creates a directory.
	TaskCreateDirectory TaskType = "create_directory"

	// TaskGenerateModule invokes a module generator.
	TaskGenerateModule TaskType = "generate_module"

	// TaskCreateSchema produces a schema definition.
	TaskCreateSchema TaskType = "create_schema"

	// TaskCreateTest produces a test from an acceptance criterion.
	TaskCreateTest TaskType = "create_test"

	// TaskRunAcceptance evaluates accumulated artifacts against criteria.
	TaskRunAcceptance TaskType = "run_acceptance"

	// TaskSetupRepo bootstraps repository scaffolding.
	TaskSetupRepo TaskType = "setup_repo"
)

// String returns the string representation of the task type.
func (t TaskType) String() string {
	return string(t)
}

// IsValid returns true if the task type is known.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskCreateFile, TaskCreateDirectory, TaskGenerateModule,
		TaskCreateSchema, TaskCreateTest, TaskRunAcceptance, TaskSetupRepo:
		return true
	default:
		return false
	}
}

// TaskNode is a single unit of work within a task graph.
type TaskNode struct {
	// TaskID uniquely identifies the node within its graph.
	TaskID string `json:"task_id"`

	// Type classifies the work.
	Type TaskType `json:"task_type"`

	// File is the target file path for file-producing nodes.
	File string `json:"file,omitempty"`

	// Directory is the target directory for directory nodes.
	Directory string `json:"directory,omitempty"`

	// Anchor is an optional insertion anchor within an existing file.
	Anchor string `json:"anchor,omitempty"`

	// Content is the literal content for create_file nodes.
	Content string `json:"content,omitempty"`

	// AcceptanceCriteria lists the criteria this node must satisfy.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	// DependsOn lists task IDs that must succeed before this node runs.
	DependsOn []string `json:"dependencies,omitempty"`

	// RequiresExclusive marks nodes that must not run alongside any other
	// node of the same build, even when parallel branches are enabled.
	RequiresExclusive bool `json:"requires_exclusive,omitempty"`

	// Metadata carries free-form parser or generator annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TargetPath returns the filesystem path this node writes, or "" for nodes
// that produce no path-addressed output.
func (n *TaskNode) TargetPath() string {
	if n.File != "" {
		return n.File
	}
	return n.Directory
}

// Plan is the immutable compiled expansion of a spec. Replanning never
// mutates an existing plan; it produces a new version linked through
// OriginalPlanID.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// SpecID identifies the source spec.
	SpecID string `json:"spec_id"`

	// TenantID is the canonical owner key.
	TenantID string `json:"tenant_id"`

	// Version increases monotonically per spec, starting at 1.
	Version int `json:"version"`

	// OriginalPlanID links a replanned version to its predecessor.
	OriginalPlanID string `json:"original_plan_id,omitempty"`

	// Graph is the task DAG.
	Graph TaskGraph `json:"graph"`

	// RiskScore estimates execution risk in [0,1].
	RiskScore float64 `json:"risk_score"`

	// Summary is a one-line description of the plan.
	Summary string `json:"summary,omitempty"`

	// DiffPreview sketches the changes the plan will make.
	DiffPreview string `json:"diff_preview,omitempty"`

	// CreatedAt is when the plan was compiled.
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a fresh plan identifier.
func NewID() string {
	return "plan-" + uuid.New().String()
}

// Store is an in-memory, tenant-scoped plan store. Plans are immutable once
// stored; the store only ever appends new versions.
type Store struct {
	mu    sync.RWMutex
	plans map[string]*Plan // keyed by tenant + "/" + plan id
}

// NewStore creates an empty plan store.
func NewStore() *Store {
	return &Store{plans: make(map[string]*Plan)}
}

func storeKey(tenantID, planID string) string {
	return tenantID + "/" + planID
}

// Put stores a plan. The caller must have assigned ID, TenantID, and Version.
func (s *Store) Put(p *Plan) error {
	if p.SpecID == "" {
		return ErrSpecRequired
	}
	if len(p.Graph.Nodes) == 0 {
		return ErrEmptyGraph
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[storeKey(p.TenantID, p.ID)] = p
	return nil
}

// Get retrieves a plan scoped to a tenant. A tenant mismatch is
// indistinguishable from absence.
func (s *Store) Get(tenantID, planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[storeKey(tenantID, planID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return p, nil
}

// NextVersion returns the next plan version for a spec (1 for the first).
func (s *Store) NextVersion(tenantID, specID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := 0
	for _, p := range s.plans {
		if p.TenantID == tenantID && p.SpecID == specID && p.Version > max {
			max = p.Version
		}
	}
	return max + 1
}

// ListBySpec returns all plan versions for a spec, oldest version first.
func (s *Store) ListBySpec(tenantID, specID string) []*Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Plan
	for _, p := range s.plans {
		if p.TenantID == tenantID && p.SpecID == specID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}
