package agent

import "github.com/c360studio/buildplane/plan"

// Stage is one agent invocation within a task's execution path.
type Stage struct {
	Role   Role
	Action string
}

// stageTable maps each task type to its ordered agent stages. Producing
// types run codegen, then the evaluator gates on the artifacts, then devops
// materializes them in the workspace. The auto-fixer is not a table stage;
// the orchestrator inserts it on failure.
var stageTable = map[plan.TaskType][]Stage{
	plan.TaskCreateFile: {
		{Role: RoleCodegen, Action: "generate"},
		{Role: RoleEvaluator, Action: "evaluate"},
		{Role: RoleDevops, Action: "materialize"},
	},
	plan.TaskCreateDirectory: {
		{Role: RoleCodegen, Action: "generate"},
		{Role: RoleEvaluator, Action: "evaluate"},
		{Role: RoleDevops, Action: "materialize"},
	},
	plan.TaskGenerateModule: {
		{Role: RoleCodegen, Action: "generate"},
		{Role: RoleReviewer, Action: "review"},
		{Role: RoleEvaluator, Action: "evaluate"},
		{Role: RoleDevops, Action: "materialize"},
	},
	plan.TaskCreateSchema: {
		{Role: RoleCodegen, Action: "generate"},
		{Role: RoleReviewer, Action: "review"},
		{Role: RoleEvaluator, Action: "evaluate"},
		{Role: RoleDevops, Action: "materialize"},
	},
	plan.TaskCreateTest: {
		{Role: RoleCodegen, Action: "generate"},
		{Role: RoleEvaluator, Action: "evaluate"},
	},
	plan.TaskRunAcceptance: {
		{Role: RoleEvaluator, Action: "evaluate"},
	},
	plan.TaskSetupRepo: {
		{Role: RoleCodegen, Action: "generate"},
		{Role: RoleEvaluator, Action: "evaluate"},
		{Role: RoleDevops, Action: "materialize"},
	},
}

// StagesFor returns the execution path for a task type. Unknown types get
// the codegen default so validation errors surface as step failures rather
// than silent skips.
func StagesFor(t plan.TaskType) []Stage {
	if stages, ok := stageTable[t]; ok {
		return stages
	}
	return []Stage{{Role: RoleCodegen, Action: "generate"}}
}
