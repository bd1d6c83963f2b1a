package buildspec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeIsValid(t *testing.T) {
	for _, m := range []Mode{ModeGuided, ModeFreeform, ModeImported} {
		if !m.IsValid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if Mode("telepathic").IsValid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestStoreCreate(t *testing.T) {
	s := NewStore()

	spec := &Spec{TenantID: "acme", Title: "hello world", Mode: ModeFreeform, Description: "hello world"}
	require.NoError(t, s.Create(spec))
	assert.True(t, strings.HasPrefix(spec.ID, "spec-"))
	assert.False(t, spec.CreatedAt.IsZero())

	got, err := s.Get("acme", spec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Title)
}

func TestStoreCreateRejects(t *testing.T) {
	s := NewStore()

	err := s.Create(&Spec{TenantID: "acme", Mode: ModeFreeform})
	assert.ErrorIs(t, err, ErrTitleRequired)

	err = s.Create(&Spec{TenantID: "acme", Title: "x", Mode: Mode("telepathic")})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestStoreTenantIsolation(t *testing.T) {
	s := NewStore()
	spec := &Spec{TenantID: "acme", Title: "x", Mode: ModeFreeform}
	require.NoError(t, s.Create(spec))

	_, err := s.Get("rival", spec.ID)
	assert.ErrorIs(t, err, ErrSpecNotFound)
}

func TestMarkPlanGenerated(t *testing.T) {
	s := NewStore()
	spec := &Spec{TenantID: "acme", Title: "x", Mode: ModeFreeform}
	require.NoError(t, s.Create(spec))

	require.NoError(t, s.MarkPlanGenerated("acme", spec.ID))
	require.NoError(t, s.MarkPlanGenerated("acme", spec.ID), "freezing is idempotent")

	got, err := s.Get("acme", spec.ID)
	require.NoError(t, err)
	assert.True(t, got.PlanGenerated)

	assert.ErrorIs(t, s.MarkPlanGenerated("rival", spec.ID), ErrSpecNotFound)
}

func TestSourceText(t *testing.T) {
	t.Run("freeform uses description", func(t *testing.T) {
		spec := &Spec{Title: "t", Mode: ModeFreeform, Description: "build a thing"}
		assert.Equal(t, "build a thing", spec.SourceText())
	})

	t.Run("freeform without description falls back to title", func(t *testing.T) {
		spec := &Spec{Title: "hello world", Mode: ModeFreeform}
		assert.Equal(t, "hello world", spec.SourceText())
	})

	t.Run("guided renders structured input", func(t *testing.T) {
		spec := &Spec{
			Title: "storefront",
			Mode:  ModeGuided,
			Guided: &GuidedInput{
				ProjectType: "rest-api",
				Features:    []string{"catalog", "checkout"},
				Constraints: []string{"postgres only"},
			},
		}
		text := spec.SourceText()
		for _, want := range []string{"storefront", "rest-api", "catalog", "checkout", "postgres only"} {
			assert.Contains(t, text, want)
		}
	})
}
