package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/geoimport/internal/core"
)

var (
	importProvider  string
	importStructure string
	importReport    string
	importCreate    bool
	importDelete    bool
	importNoDelete  bool
)

var importCmd = &cobra.Command{
	Use:   "import <parser> [file-or-url]",
	Short: "Run one parser",
	Long: `Run one registered parser and print its report.

File parsers need the path of the file to import. API parsers use their
default URL unless one is given.

Examples:
  geoimport import organism organisms.xlsx
  geoimport import biodiv --verbosity 2
  geoimport import geotrek.trek https://geotrek.example.org --provider Parc --create
  geoimport import sensitivity.species_shape zones.shp --report json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importProvider, "provider", "", "provider recorded on imported entities")
	importCmd.Flags().StringVar(&importStructure, "structure", "", "structure owning imported entities")
	importCmd.Flags().StringVar(&importReport, "report", core.FormatText, "report format: text, html or json")
	importCmd.Flags().BoolVar(&importCreate, "create", false, "create missing referenced categories")
	importCmd.Flags().BoolVar(&importDelete, "delete", false, "delete entities missing from the source")
	importCmd.Flags().BoolVar(&importNoDelete, "no-delete", false, "never delete entities missing from the source")
	importCmd.MarkFlagsMutuallyExclusive("delete", "no-delete")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	def, err := core.Lookup(args[0])
	if err != nil {
		return err
	}
	origin := ""
	if len(args) > 1 {
		origin = args[1]
	}
	if def.NeedsOrigin && origin == "" {
		return fmt.Errorf("parser %s needs a file or URL to import", def.Name)
	}

	opts := core.BuildOptions{
		Origin:           origin,
		Provider:         importProvider,
		Structure:        importStructure,
		CreateReferences: importCreate,
	}
	switch {
	case importDelete:
		opts.Delete = &importDelete
	case importNoDelete:
		keep := false
		opts.Delete = &keep
	}

	report, runErr := runParser(ctx, taskID, def, opts, cmd.OutOrStdout())
	if report == nil {
		return runErr
	}

	out, err := report.Render(ctx, importReport)
	if err != nil {
		return err
	}
	if verbosity > 0 || importReport != core.FormatText {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return runErr
}
