package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/qendev/iacreg/internal/model"
)

// EvalInput carries everything the evaluator needs about the artifact
// version and actor under test, gathered by the caller from storage
// before evaluation so the evaluator itself stays pure and storage-free.
type EvalInput struct {
	Trigger          model.PolicyTrigger
	Actor            string
	PublishedBy      string
	DistinctApprovers []string
	ScanGrades       []model.ScanGrade
	TestsPassed      bool
	ValidatePassed   bool
	IsPatchBump      bool
	IsFirstVersion   bool
}

// Evaluator applies resolved PolicyRules to an EvalInput.
type Evaluator struct{}

// NewEvaluator returns an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// AutoApproveDecision reports whether the version should be
// auto-approved per the autoApprovePatches rule, evaluated independently
// of Evaluate's pass/warn/fail outcome (spec §4.4: runs required by
// other rules are not waited for).
func (e *Evaluator) AutoApproveDecision(rules model.PolicyRules, in EvalInput) bool {
	if rules.AutoApprovePatches == nil || !*rules.AutoApprovePatches {
		return false
	}
	if !in.IsPatchBump && !in.IsFirstVersion {
		return false
	}
	if rules.RequirePassingTests != nil && *rules.RequirePassingTests {
		return false
	}
	if rules.RequirePassingValidate != nil && *rules.RequirePassingValidate {
		return false
	}
	return true
}

// Evaluate runs the rules relevant to in.Trigger against in, and returns
// the per-rule results plus the final outcome after applying the
// resolved enforcement level.
func (e *Evaluator) Evaluate(ctx context.Context, rules model.PolicyRules, in EvalInput) ([]model.RuleResult, model.PolicyOutcome, error) {
	var results []model.RuleResult

	if in.Trigger == model.TriggerApproval {
		if rules.MinApprovers != nil {
			results = append(results, evalMinApprovers(*rules.MinApprovers, in.DistinctApprovers))
		}
		if preventSelfApproval(rules) {
			results = append(results, evalPreventSelfApproval(in.Actor, in.PublishedBy))
		}
	}

	// requirePassingTests, requirePassingValidate, and requiredScanGrade
	// apply to both approval and download triggers.
	if rules.RequirePassingTests != nil && *rules.RequirePassingTests {
		results = append(results, evalBoolGate("requirePassingTests", in.TestsPassed, "no successful test run recorded"))
	}
	if rules.RequirePassingValidate != nil && *rules.RequirePassingValidate {
		results = append(results, evalBoolGate("requirePassingValidate", in.ValidatePassed, "no successful validate run recorded"))
	}
	if rules.RequiredScanGrade != nil {
		results = append(results, evalScanGrade(*rules.RequiredScanGrade, in.ScanGrades))
	}

	level := model.EnforceBlock
	if rules.EnforcementLevel != nil {
		level = *rules.EnforcementLevel
	}

	outcome, err := decideOutcome(ctx, level, results)
	if err != nil {
		return results, model.OutcomeFail, fmt.Errorf("decide policy outcome: %w", err)
	}
	return results, outcome, nil
}

func preventSelfApproval(rules model.PolicyRules) bool {
	// Default is true; only an explicit false disables the check.
	if rules.PreventSelfApproval == nil {
		return true
	}
	return *rules.PreventSelfApproval
}

func evalMinApprovers(min int, distinct []string) model.RuleResult {
	seen := make(map[string]struct{}, len(distinct))
	for _, a := range distinct {
		seen[a] = struct{}{}
	}
	count := len(seen)
	if count >= min {
		return model.RuleResult{Rule: "minApprovers", Passed: true}
	}
	return model.RuleResult{
		Rule:    "minApprovers",
		Passed:  false,
		Message: fmt.Sprintf("%d of %d required distinct approvals recorded", count, min),
	}
}

func evalPreventSelfApproval(actor, publishedBy string) model.RuleResult {
	if actor == publishedBy {
		return model.RuleResult{
			Rule:    "preventSelfApproval",
			Passed:  false,
			Message: "actor matches published_by",
		}
	}
	return model.RuleResult{Rule: "preventSelfApproval", Passed: true}
}

func evalBoolGate(rule string, ok bool, failMessage string) model.RuleResult {
	if ok {
		return model.RuleResult{Rule: rule, Passed: true}
	}
	return model.RuleResult{Rule: rule, Passed: false, Message: failMessage}
}

func evalScanGrade(required model.ScanGrade, grades []model.ScanGrade) model.RuleResult {
	for _, g := range grades {
		if g.Satisfies(required) {
			return model.RuleResult{Rule: "requiredScanGrade", Passed: true}
		}
	}
	return model.RuleResult{
		Rule:    "requiredScanGrade",
		Passed:  false,
		Message: fmt.Sprintf("no scan result meets required grade %s", required),
	}
}

// outcomeQuery is the embedded rego module used to turn a set of rule
// results plus an enforcement level into a final pass/warn/fail outcome.
// Keeping this step in rego (rather than a Go switch) lets operators
// later swap in a bundle that layers additional enforcement nuance
// without touching Go code, the same role OPA plays for kubernaut's
// admission decisions.
// An "audit" level never reaches the fail or warn rules, so the default
// carries it: failures are recorded in the results but the outcome stays
// pass.
const outcomeQuery = `
package iacreg.policy

import rego.v1

default outcome := "pass"

any_failed if {
	some r in input.results
	r.passed == false
}

outcome := "fail" if {
	input.enforcement_level == "block"
	any_failed
}

outcome := "warn" if {
	input.enforcement_level == "warn"
	any_failed
}
`

func decideOutcome(ctx context.Context, level model.EnforcementLevel, results []model.RuleResult) (model.PolicyOutcome, error) {
	r := rego.New(
		rego.Query("data.iacreg.policy.outcome"),
		rego.Module("outcome.rego", outcomeQuery),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return "", fmt.Errorf("prepare policy outcome query: %w", err)
	}

	ruleInputs := make([]map[string]any, 0, len(results))
	for _, res := range results {
		ruleInputs = append(ruleInputs, map[string]any{"rule": res.Rule, "passed": res.Passed})
	}
	input := map[string]any{
		"enforcement_level": string(level),
		"results":           ruleInputs,
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("eval policy outcome query: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("policy outcome query returned no result")
	}

	outcome, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy outcome query returned non-string result")
	}
	switch model.PolicyOutcome(outcome) {
	case model.OutcomePass, model.OutcomeWarn, model.OutcomeFail:
		return model.PolicyOutcome(outcome), nil
	default:
		return "", fmt.Errorf("unexpected policy outcome %q", outcome)
	}
}
