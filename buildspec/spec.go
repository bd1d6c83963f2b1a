// Package buildspec defines the source-of-truth build specification entity
// and its in-memory, tenant-scoped store. A spec is created once and becomes
// immutable after plan generation.
package buildspec

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for spec operations.
var (
	ErrSpecNotFound  = errors.New("spec not found")
	ErrTitleRequired = errors.New("title is required")
	ErrInvalidMode   = errors.New("invalid spec mode")
	ErrSpecFrozen    = errors.New("spec is immutable after plan generation")
)

// Mode describes how the spec content was authored.
type Mode string

const (
	// ModeGuided is a structured, form-driven spec. Guided specs allocate a
	// preview environment and are therefore subject to the preview quota.
	ModeGuided Mode = "guided"

	// ModeFreeform is a free-text description.
	ModeFreeform Mode = "freeform"

	// ModeImported is a spec document imported from an external source.
	ModeImported Mode = "imported"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid returns true if the mode is known.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGuided, ModeFreeform, ModeImported:
		return true
	default:
		return false
	}
}

// GuidedInput is the structured portion of a guided spec.
type GuidedInput struct {
	// ProjectType names a recognized project archetype (e.g. "rest-api").
	ProjectType string `json:"project_type,omitempty"`

	// Features lists requested features in plain language.
	Features []string `json:"features,omitempty"`

	// Constraints lists hard constraints (stack, layout, naming).
	Constraints []string `json:"constraints,omitempty"`
}

// Spec is the immutable input from which plans are compiled.
type Spec struct {
	// ID is the unique spec identifier.
	ID string `json:"id"`

	// TenantID is the canonical owner key. Specs are never shared.
	TenantID string `json:"tenant_id"`

	// Title is the human-readable title.
	Title string `json:"title"`

	// Mode describes how the spec was authored.
	Mode Mode `json:"mode"`

	// Description is the free-text body of the spec.
	Description string `json:"description,omitempty"`

	// Guided holds the structured input for guided specs.
	Guided *GuidedInput `json:"guided_input,omitempty"`

	// Attachments holds opaque blob references.
	Attachments []string `json:"attachments,omitempty"`

	// CreatedAt is when the spec was created.
	CreatedAt time.Time `json:"created_at"`

	// PlanGenerated marks the spec frozen: set on first GeneratePlan.
	PlanGenerated bool `json:"plan_generated,omitempty"`
}

// SourceText renders the text the architect compiles. Freeform and
// imported specs use the description verbatim; guided specs render their
// structured input into the description.
func (s *Spec) SourceText() string {
	if s.Guided == nil {
		if s.Description != "" {
			return s.Description
		}
		return s.Title
	}

	var b strings.Builder
	if s.Description != "" {
		b.WriteString(s.Description)
		b.WriteString("\n")
	} else {
		b.WriteString(s.Title)
		b.WriteString("\n")
	}
	if s.Guided.ProjectType != "" {
		b.WriteString(s.Guided.ProjectType)
		b.WriteString("\n")
	}
	for _, f := range s.Guided.Features {
		b.WriteString(f)
		b.WriteString("\n")
	}
	for _, c := range s.Guided.Constraints {
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}

// NewID returns a fresh spec identifier.
func NewID() string {
	return "spec-" + uuid.New().String()
}

// Store is an in-memory, tenant-scoped spec store.
type Store struct {
	mu    sync.RWMutex
	specs map[string]*Spec // keyed by tenant + "/" + spec id
}

// NewStore creates an empty spec store.
func NewStore() *Store {
	return &Store{specs: make(map[string]*Spec)}
}

func storeKey(tenantID, specID string) string {
	return tenantID + "/" + specID
}

// Create validates and stores a new spec, assigning ID and CreatedAt.
func (s *Store) Create(spec *Spec) error {
	if spec.Title == "" {
		return ErrTitleRequired
	}
	if !spec.Mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, spec.Mode)
	}

	spec.ID = NewID()
	spec.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[storeKey(spec.TenantID, spec.ID)] = spec
	return nil
}

// Get retrieves a spec scoped to a tenant. A tenant mismatch is
// indistinguishable from absence.
func (s *Store) Get(tenantID, specID string) (*Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[storeKey(tenantID, specID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, specID)
	}
	return spec, nil
}

// MarkPlanGenerated freezes the spec. Idempotent.
func (s *Store) MarkPlanGenerated(tenantID, specID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.specs[storeKey(tenantID, specID)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSpecNotFound, specID)
	}
	spec.PlanGenerated = true
	return nil
}
