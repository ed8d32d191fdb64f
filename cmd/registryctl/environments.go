package main

import (
	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newEnvironmentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "environments",
		Short: "Trigger and inspect environment-wide runs",
	}

	var operation string
	triggerCmd := &cobra.Command{
		Use:   "trigger <environment-id>",
		Short: "Trigger a plan-all/apply-all/destroy-all across an environment's DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"operation": operation}
			var run model.EnvironmentRun
			if err := client.post(cmd.Context(), "/api/v1/environments/"+args[0]+"/runs", body, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	triggerCmd.Flags().StringVar(&operation, "operation", string(model.EnvOpPlanAll), "plan-all, apply-all, or destroy-all")

	getCmd := &cobra.Command{
		Use:   "get <environment-id> <environment-run-id>",
		Short: "Show one environment run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.EnvironmentRun
			if err := client.get(cmd.Context(), "/api/v1/environments/"+args[0]+"/runs/"+args[1], nil, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	cmd.AddCommand(triggerCmd, getCmd)
	return cmd
}
