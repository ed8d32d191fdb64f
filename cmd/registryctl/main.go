// Command registryctl is a thin HTTP client CLI over the registry's
// breg_-token authenticated CRUD surface: artifacts, versions, modules,
// runs, policy bindings, and API tokens.
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/qendev/iacreg/internal/model"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagServer   string
	flagToken    string
	flagJSON     bool
	client       *apiClient
)

func main() {
	root := &cobra.Command{
		Use:           "registryctl",
		Short:         "Client for the IaC artifact registry and run orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client = newAPIClient(flagServer, flagToken)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flagServer, "server", envOr("IACREG_SERVER", "http://localhost:8080"), "registry server base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("IACREG_TOKEN"), "breg_-prefixed registry API token")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON instead of a table")

	root.AddCommand(
		newArtifactsCommand(),
		newVersionsCommand(),
		newModulesCommand(),
		newRunsCommand(),
		newEnvironmentsCommand(),
		newPolicyCommand(),
		newTokensCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print registryctl's own version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("registryctl %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabwriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func queryFromFlags(pairs map[string]string) url.Values {
	q := url.Values{}
	for k, v := range pairs {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// artifactPage mirrors storage.Page[*model.Artifact]'s JSON shape for
// decoding without importing the storage package's generic directly.
type artifactPage struct {
	Items      []*model.Artifact `json:"Items"`
	NextCursor string            `json:"NextCursor"`
}
