// Package policy resolves the effective policy for an artifact and
// evaluates it against a trigger context, mirroring the scope-precedence
// and risk-gated-approval shape of
// marcus-qen-legator/internal/controlplane/approval's queue, generalized
// from "one autonomy gate" to a composable, per-scope rule set.
package policy

import "github.com/qendev/iacreg/internal/model"

// Resolver picks the effective PolicyRules for an artifact from a set of
// bindings, applying artifact > namespace > team > global precedence.
type Resolver struct{}

// NewResolver returns a Resolver. It holds no state; bindings are
// supplied per call so callers control caching and invalidation.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve collects the bindings that apply to the given scope keys, in
// scope-precedence order, and merges their rules field-by-field: the
// first binding (narrowest scope) to set a field wins; unset fields fall
// through to a broader scope. The enforcement level defaults to "block"
// when no binding sets one.
func (r *Resolver) Resolve(bindings []model.PolicyBinding, artifactID, namespace, team string) model.PolicyRules {
	ordered := r.orderedScopeKeys(artifactID, namespace, team)

	var merged model.PolicyRules
	for _, sk := range ordered {
		for _, b := range bindings {
			if b.Scope != sk.scope || b.ScopeKey != sk.key {
				continue
			}
			mergeRules(&merged, b.Rules)
		}
	}

	if merged.EnforcementLevel == nil {
		level := model.EnforceBlock
		merged.EnforcementLevel = &level
	}
	return merged
}

type scopeKey struct {
	scope model.PolicyScope
	key   string
}

func (r *Resolver) orderedScopeKeys(artifactID, namespace, team string) []scopeKey {
	return []scopeKey{
		{model.ScopeArtifact, artifactID},
		{model.ScopeNamespace, namespace},
		{model.ScopeTeam, team},
		{model.ScopeGlobal, ""},
	}
}

// mergeRules copies every field set in override into dst, provided dst
// does not already carry a value for that field (narrower scopes were
// merged first and must not be overwritten by broader ones).
func mergeRules(dst *model.PolicyRules, override model.PolicyRules) {
	if dst.MinApprovers == nil {
		dst.MinApprovers = override.MinApprovers
	}
	if dst.AutoApprovePatches == nil {
		dst.AutoApprovePatches = override.AutoApprovePatches
	}
	if dst.RequiredScanGrade == nil {
		dst.RequiredScanGrade = override.RequiredScanGrade
	}
	if dst.RequirePassingTests == nil {
		dst.RequirePassingTests = override.RequirePassingTests
	}
	if dst.RequirePassingValidate == nil {
		dst.RequirePassingValidate = override.RequirePassingValidate
	}
	if dst.PreventSelfApproval == nil {
		dst.PreventSelfApproval = override.PreventSelfApproval
	}
	if dst.EnforcementLevel == nil {
		dst.EnforcementLevel = override.EnforcementLevel
	}
}
