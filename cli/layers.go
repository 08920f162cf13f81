package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalprint"
)

// NewLayersCmd creates the "layers" subcommand.
func NewLayersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "List the available layer types",
		Args:  cobra.NoArgs,
		RunE:  runLayers,
	}

	cmd.Flags().Bool("json", false, "Print the layer types as JSON")

	return cmd
}

func runLayers(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	defs := petalprint.NewRegistry().All()

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCATEGORY\tPROGRESS\tDESCRIPTION")
	for _, def := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Type, def.Category, def.Progress, def.Description)
	}
	return tw.Flush()
}
