package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/geoimport/internal/core"
)

var parsersCmd = &cobra.Command{
	Use:   "parsers",
	Short: "List registered parsers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMODEL\tINPUT\tAGGREGATE")
		for _, def := range core.All() {
			input := "remote"
			if def.NeedsOrigin {
				input = "file or url"
			}
			aggregate := ""
			if def.Aggregatable {
				aggregate = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, def.Model, input, aggregate)
		}
		return w.Flush()
	},
}
