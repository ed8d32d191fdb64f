package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy-bindings",
		Short: "Manage approval policy bindings",
	}

	var artifactID, namespace, team string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List policy bindings covering a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := queryFromFlags(map[string]string{"artifact_id": artifactID, "namespace": namespace, "team": team})
			var bindings []*model.PolicyBinding
			if err := client.get(cmd.Context(), "/api/v1/policy-bindings/", q, &bindings); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(bindings)
			}
			w := newTabwriter()
			fmt.Fprintln(w, "ID\tSCOPE\tSCOPE-KEY\tENFORCEMENT")
			for _, b := range bindings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.Scope, b.ScopeKey, enforcementOf(b.Rules))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&artifactID, "artifact", "", "artifact id")
	listCmd.Flags().StringVar(&namespace, "namespace", "", "namespace")
	listCmd.Flags().StringVar(&team, "team", "", "team")

	var scope, scopeKey string
	var minApprovers int
	var autoApprovePatches bool
	var enforcementLevel string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy binding at a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := model.PolicyRules{}
			if minApprovers > 0 {
				rules.MinApprovers = &minApprovers
			}
			if autoApprovePatches {
				rules.AutoApprovePatches = &autoApprovePatches
			}
			if enforcementLevel != "" {
				level := model.EnforcementLevel(enforcementLevel)
				rules.EnforcementLevel = &level
			}
			body := map[string]any{"scope": scope, "scope_key": scopeKey, "rules": rules}
			var b model.PolicyBinding
			if err := client.post(cmd.Context(), "/api/v1/policy-bindings/", body, &b); err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	createCmd.Flags().StringVar(&scope, "scope", "", "artifact, namespace, team, or global")
	createCmd.Flags().StringVar(&scopeKey, "scope-key", "", "the artifact/namespace/team id (empty for global)")
	createCmd.Flags().IntVar(&minApprovers, "min-approvers", 0, "minimum distinct approvers required")
	createCmd.Flags().BoolVar(&autoApprovePatches, "auto-approve-patches", false, "auto-approve patch bumps")
	createCmd.Flags().StringVar(&enforcementLevel, "enforcement", "", "block, warn, or audit")
	_ = createCmd.MarkFlagRequired("scope")

	cmd.AddCommand(listCmd, createCmd)
	return cmd
}

func enforcementOf(rules model.PolicyRules) string {
	if rules.EnforcementLevel != nil {
		return string(*rules.EnforcementLevel)
	}
	return string(model.EnforceBlock)
}
