package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

func newArtifactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List and inspect registered artifacts",
	}

	var artifactType, status, team, tag, cursor string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := queryFromFlags(map[string]string{
				"type": artifactType, "status": status, "team": team, "tag": tag, "cursor": cursor,
			})
			var page artifactPage
			if err := client.get(cmd.Context(), "/api/v1/artifacts/", q, &page); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(page)
			}
			w := newTabwriter()
			fmt.Fprintln(w, "NAMESPACE\tNAME\tPROVIDER\tTYPE\tSTATUS\tTEAM")
			for _, a := range page.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.Namespace, a.Name, a.Provider, a.Type, a.Status, a.Team)
			}
			if page.NextCursor != "" {
				fmt.Fprintf(w, "\n(more results; next cursor: %s)\n", page.NextCursor)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&artifactType, "type", "", "filter by artifact type")
	listCmd.Flags().StringVar(&status, "status", "", "filter by status")
	listCmd.Flags().StringVar(&team, "team", "", "filter by owning team")
	listCmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	listCmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor")

	getCmd := &cobra.Command{
		Use:   "get <artifact-id>",
		Short: "Show one artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a model.Artifact
			if err := client.get(cmd.Context(), "/api/v1/artifacts/"+args[0]+"/", nil, &a); err != nil {
				return err
			}
			return printJSON(a)
		},
	}

	cmd.AddCommand(listCmd, getCmd)
	return cmd
}
