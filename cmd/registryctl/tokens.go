package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newTokensCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage breg_-prefixed registry API tokens",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tokens []*model.APIToken
			if err := client.get(cmd.Context(), "/api/v1/tokens/", nil, &tokens); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(tokens)
			}
			w := newTabwriter()
			fmt.Fprintln(w, "ID\tNAME\tSCOPE\tACTIVE\tCREATED-BY")
			for _, t := range tokens {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", t.ID, t.Name, t.Scope, t.Active(), t.CreatedBy)
			}
			return w.Flush()
		},
	}

	var name, scope string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API token; the raw secret is shown exactly once",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": name, "scope": scope}
			var out map[string]any
			if err := client.post(cmd.Context(), "/api/v1/tokens/", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "human-readable token name")
	createCmd.Flags().StringVar(&scope, "scope", string(model.ScopeReadOnly), "admin, service, or read-only")
	_ = createCmd.MarkFlagRequired("name")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.post(cmd.Context(), "/api/v1/tokens/"+args[0]+"/revoke", nil, nil)
		},
	}

	cmd.AddCommand(listCmd, createCmd, revokeCmd)
	return cmd
}
