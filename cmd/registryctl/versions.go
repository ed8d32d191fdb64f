package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newVersionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List and manage artifact versions",
	}

	listCmd := &cobra.Command{
		Use:   "list <artifact-id>",
		Short: "List an artifact's versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var versions []*model.Version
			if err := client.get(cmd.Context(), "/api/v1/artifacts/"+args[0]+"/versions", nil, &versions); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(versions)
			}
			w := newTabwriter()
			fmt.Fprintln(w, "VERSION\tSTATUS\tLATEST\tBAD\tDIGEST")
			for _, v := range versions {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", v.Version, v.Status, v.IsLatest, v.IsBad, v.Digest)
			}
			return w.Flush()
		},
	}

	var approver string
	approveCmd := &cobra.Command{
		Use:   "approve <artifact-id> <version-id>",
		Short: "Record an approval vote for a version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"approver": approver}
			var out map[string]any
			if err := client.post(cmd.Context(), "/api/v1/artifacts/"+args[0]+"/versions/"+args[1]+"/approve", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	approveCmd.Flags().StringVar(&approver, "approver", "", "actor recording the approval (defaults to the token's identity)")

	rejectCmd := &cobra.Command{
		Use:   "reject <artifact-id> <version-id>",
		Short: "Reject a pending version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v model.Version
			if err := client.post(cmd.Context(), "/api/v1/artifacts/"+args[0]+"/versions/"+args[1]+"/reject", nil, &v); err != nil {
				return err
			}
			return printJSON(v)
		},
	}

	yankCmd := &cobra.Command{
		Use:   "yank <artifact-id> <version-id>",
		Short: "Yank (mark bad) an approved version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v model.Version
			if err := client.post(cmd.Context(), "/api/v1/artifacts/"+args[0]+"/versions/"+args[1]+"/yank", nil, &v); err != nil {
				return err
			}
			return printJSON(v)
		},
	}

	cmd.AddCommand(listCmd, approveCmd, rejectCmd, yankCmd)
	return cmd
}
