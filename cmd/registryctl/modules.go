package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List and bind environment modules",
	}

	listCmd := &cobra.Command{
		Use:   "list <environment-id>",
		Short: "List an environment's modules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var modules []*model.Module
			if err := client.get(cmd.Context(), "/api/v1/environments/"+args[0]+"/modules/", nil, &modules); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(modules)
			}
			w := newTabwriter()
			fmt.Fprintln(w, "ID\tNAME\tARTIFACT\tPINNED\tMODE\tAUTO-PLAN\tSTATUS")
			for _, m := range modules {
				pinned := "latest"
				if m.PinnedVersion != nil {
					pinned = *m.PinnedVersion
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n", m.ID, m.Name, m.ArtifactID, pinned, m.Mode, m.AutoPlanOnUpdate, m.Status)
			}
			return w.Flush()
		},
	}

	var artifactID, pinnedVersion, mode, tfVersion string
	var autoPlan bool
	createCmd := &cobra.Command{
		Use:   "create <environment-id> <name>",
		Short: "Bind an artifact into an environment as a module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"artifact_id":                 artifactID,
				"name":                        args[1],
				"mode":                        mode,
				"auto_plan_on_module_update":  autoPlan,
				"tf_version":                  tfVersion,
			}
			if pinnedVersion != "" {
				body["pinned_version"] = pinnedVersion
			}
			var m model.Module
			if err := client.post(cmd.Context(), "/api/v1/environments/"+args[0]+"/modules/", body, &m); err != nil {
				return err
			}
			return printJSON(m)
		},
	}
	createCmd.Flags().StringVar(&artifactID, "artifact", "", "artifact id to bind")
	createCmd.Flags().StringVar(&pinnedVersion, "pin", "", "pinned version or constraint (empty tracks latest)")
	createCmd.Flags().StringVar(&mode, "mode", "peaas", "execution mode: peaas or byoc")
	createCmd.Flags().StringVar(&tfVersion, "tf-version", "", "Terraform version override")
	createCmd.Flags().BoolVar(&autoPlan, "auto-plan", false, "auto-plan on upstream version update")
	_ = createCmd.MarkFlagRequired("artifact")

	var moduleID, dependsOnID string
	dependCmd := &cobra.Command{
		Use:   "depend <environment-id>",
		Short: "Add a dependency edge between two modules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"module_id": moduleID, "depends_on_id": dependsOnID}
			var dep model.ModuleDependency
			if err := client.post(cmd.Context(), "/api/v1/environments/"+args[0]+"/modules/dependencies", body, &dep); err != nil {
				return err
			}
			return printJSON(dep)
		},
	}
	dependCmd.Flags().StringVar(&moduleID, "module", "", "downstream module id")
	dependCmd.Flags().StringVar(&dependsOnID, "depends-on", "", "upstream module id")
	_ = dependCmd.MarkFlagRequired("module")
	_ = dependCmd.MarkFlagRequired("depends-on")

	cmd.AddCommand(listCmd, createCmd, dependCmd)
	return cmd
}
