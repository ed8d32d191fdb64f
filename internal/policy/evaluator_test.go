package policy

import (
	"context"
	"testing"

	"github.com/qendev/iacreg/internal/model"
)

func TestEvaluateBlockFailsOnMinApprovers(t *testing.T) {
	rules := model.PolicyRules{
		MinApprovers:     intPtr(2),
		EnforcementLevel: levelPtr(model.EnforceBlock),
	}
	in := EvalInput{
		Trigger:           model.TriggerApproval,
		DistinctApprovers: []string{"alice"},
	}

	results, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != model.OutcomeFail {
		t.Fatalf("expected fail outcome, got %s", outcome)
	}
	if len(results) != 1 || results[0].Passed {
		t.Fatalf("expected failing minApprovers result, got %+v", results)
	}
}

func TestEvaluateWarnDowngradesFailure(t *testing.T) {
	rules := model.PolicyRules{
		MinApprovers:     intPtr(2),
		EnforcementLevel: levelPtr(model.EnforceWarn),
	}
	in := EvalInput{Trigger: model.TriggerApproval, DistinctApprovers: []string{"alice"}}

	_, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != model.OutcomeWarn {
		t.Fatalf("expected warn outcome, got %s", outcome)
	}
}

func TestEvaluateAuditAlwaysPasses(t *testing.T) {
	rules := model.PolicyRules{
		MinApprovers:     intPtr(5),
		EnforcementLevel: levelPtr(model.EnforceAudit),
	}
	in := EvalInput{Trigger: model.TriggerApproval, DistinctApprovers: nil}

	_, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != model.OutcomePass {
		t.Fatalf("expected audit trigger to always pass, got %s", outcome)
	}
}

func TestEvaluatePreventSelfApprovalDefaultsToTrue(t *testing.T) {
	rules := model.PolicyRules{EnforcementLevel: levelPtr(model.EnforceBlock)}
	in := EvalInput{Trigger: model.TriggerApproval, Actor: "alice", PublishedBy: "alice"}

	results, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != model.OutcomeFail {
		t.Fatalf("expected self-approval block by default, got %s", outcome)
	}
	if len(results) != 1 || results[0].Rule != "preventSelfApproval" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestEvaluatePreventSelfApprovalExplicitFalseDisables(t *testing.T) {
	rules := model.PolicyRules{
		PreventSelfApproval: boolPtr(false),
		EnforcementLevel:    levelPtr(model.EnforceBlock),
	}
	in := EvalInput{Trigger: model.TriggerApproval, Actor: "alice", PublishedBy: "alice"}

	results, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, in)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != model.OutcomePass {
		t.Fatalf("expected pass when preventSelfApproval disabled, got %s", outcome)
	}
	if len(results) != 0 {
		t.Fatalf("expected no rule results evaluated, got %+v", results)
	}
}

func TestEvaluateRequiredScanGrade(t *testing.T) {
	rules := model.PolicyRules{
		RequiredScanGrade: gradePtr(model.GradeB),
		EnforcementLevel:  levelPtr(model.EnforceBlock),
	}

	passIn := EvalInput{Trigger: model.TriggerDownload, ScanGrades: []model.ScanGrade{model.GradeA}}
	if _, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, passIn); err != nil || outcome != model.OutcomePass {
		t.Fatalf("expected pass for grade A meeting required B, got %s, err=%v", outcome, err)
	}

	failIn := EvalInput{Trigger: model.TriggerDownload, ScanGrades: []model.ScanGrade{model.GradeF}}
	if _, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, failIn); err != nil || outcome != model.OutcomeFail {
		t.Fatalf("expected fail for grade F against required B, got %s, err=%v", outcome, err)
	}

	missingIn := EvalInput{Trigger: model.TriggerDownload}
	if _, outcome, err := NewEvaluator().Evaluate(context.Background(), rules, missingIn); err != nil || outcome != model.OutcomeFail {
		t.Fatalf("expected fail when no scans recorded, got %s, err=%v", outcome, err)
	}
}

func TestAutoApproveDecision(t *testing.T) {
	rules := model.PolicyRules{AutoApprovePatches: boolPtr(true)}

	if !NewEvaluator().AutoApproveDecision(rules, EvalInput{IsPatchBump: true}) {
		t.Fatal("expected patch bump to auto-approve")
	}
	if !NewEvaluator().AutoApproveDecision(rules, EvalInput{IsFirstVersion: true}) {
		t.Fatal("expected first version to auto-approve")
	}
	if NewEvaluator().AutoApproveDecision(rules, EvalInput{}) {
		t.Fatal("expected no auto-approve for a non-patch, non-first version")
	}

	gated := model.PolicyRules{
		AutoApprovePatches:  boolPtr(true),
		RequirePassingTests: boolPtr(true),
	}
	if NewEvaluator().AutoApproveDecision(gated, EvalInput{IsPatchBump: true}) {
		t.Fatal("expected requirePassingTests to block auto-approve")
	}
}
