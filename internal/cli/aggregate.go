package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/geoimport/internal/aggregator"
	"github.com/JonMunkholm/geoimport/internal/core"
)

var aggregateReport string

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <config-file>",
	Short: "Import several models from several remote instances",
	Long: `Run the imports declared by an aggregate document, one source after the
other and, within a source, one model after the other.

The document maps a source name to its settings:

  PNX:
    url: https://geotrek.example.org
    api_key: secret
    provider: Parc
    data_to_import: [Trek, POI, InformationDesk]
    create: true
    mapping:
      practice:
        Rando: Pédestre

A failing import is reported and the next one proceeds.`,
	Args: cobra.ExactArgs(1),
	RunE: runAggregate,
}

func init() {
	aggregateCmd.Flags().StringVar(&aggregateReport, "report", core.FormatText, "report format: text, html or json")
}

func runAggregate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	doc, err := aggregator.Load(args[0])
	if err != nil {
		return err
	}

	orch := aggregator.New(aggregator.Options{
		Store:               store,
		HTTP:                httpClient,
		Attachments:         newAttachments,
		Languages:           cfg.Parser.Languages,
		DefaultLanguage:     cfg.Parser.DefaultLanguage,
		PageSize:            cfg.Parser.PageSize,
		DynamicSegmentation: cfg.Parser.DynamicSegmentation,
		Verbosity:           verbosity,
		Progress:            cmd.OutOrStdout(),
		OnProgress:          progressCallback(ctx, taskID),
		TaskID:              taskID,
	})
	res, err := orch.Run(ctx, doc)
	if res != nil {
		for _, r := range res.Reports {
			finishTask(ctx, taskID, r)
		}
		out, renderErr := res.Render(ctx, aggregateReport)
		if renderErr != nil {
			return renderErr
		}
		if verbosity > 0 || aggregateReport != core.FormatText {
			fmt.Fprintln(cmd.OutOrStdout(), out)
		}
	}
	return err
}
