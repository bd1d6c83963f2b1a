package agent

import (
	"testing"

	"github.com/c360studio/buildplane/plan"
)

func roles(stages []Stage) []Role {
	out := make([]Role, len(stages))
	for i, s := range stages {
		out[i] = s.Role
	}
	return out
}

func TestStagesFor(t *testing.T) {
	tests := []struct {
		typ  plan.TaskType
		want []Role
	}{
		{plan.TaskCreateFile, []Role{RoleCodegen, RoleEvaluator, RoleDevops}},
		{plan.TaskCreateDirectory, []Role{RoleCodegen, RoleEvaluator, RoleDevops}},
		{plan.TaskSetupRepo, []Role{RoleCodegen, RoleEvaluator, RoleDevops}},
		{plan.TaskGenerateModule, []Role{RoleCodegen, RoleReviewer, RoleEvaluator, RoleDevops}},
		{plan.TaskCreateSchema, []Role{RoleCodegen, RoleReviewer, RoleEvaluator, RoleDevops}},
		{plan.TaskCreateTest, []Role{RoleCodegen, RoleEvaluator}},
		{plan.TaskRunAcceptance, []Role{RoleEvaluator}},
	}

	for _, tc := range tests {
		t.Run(string(tc.typ), func(t *testing.T) {
			got := roles(StagesFor(tc.typ))
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("stage %d: expected %s, got %s", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestStagesForUnknownType(t *testing.T) {
	got := StagesFor(plan.TaskType("teleport"))
	if len(got) != 1 || got[0].Role != RoleCodegen {
		t.Errorf("unknown types fall back to codegen so the error surfaces as a step failure, got %v", got)
	}
}
