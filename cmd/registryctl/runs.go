package main

import (
	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and drive module runs",
	}

	getCmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one module run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.ModuleRun
			if err := client.get(cmd.Context(), "/api/v1/module-runs/"+args[0]+"/", nil, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a non-terminal module run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.ModuleRun
			if err := client.post(cmd.Context(), "/api/v1/module-runs/"+args[0]+"/cancel", nil, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	confirmCmd := &cobra.Command{
		Use:   "confirm <run-id>",
		Short: "Confirm a planned run, advancing it to apply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.ModuleRun
			if err := client.post(cmd.Context(), "/api/v1/module-runs/"+args[0]+"/confirm", nil, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	discardCmd := &cobra.Command{
		Use:   "discard <run-id>",
		Short: "Discard a planned run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.ModuleRun
			if err := client.post(cmd.Context(), "/api/v1/module-runs/"+args[0]+"/discard", nil, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	cmd.AddCommand(getCmd, cancelCmd, confirmCmd, discardCmd)
	return cmd
}
