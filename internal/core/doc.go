// Package core provides the import and reconciliation engine.
//
// This package holds all domain logic independent of where rows come from
// or where entities are stored. Sources, stores and blob storage are plugged
// in through small interfaces so the same engine serves the CLI, the
// aggregator and tests.
//
// # Architecture
//
// The package is organized around several key concepts:
//
//   - Sources: a [Source] opens a [Cursor] yielding raw [Row] values.
//   - Field mapping: a [FieldMapper] turns a row into entity fields using the
//     [FieldSpec] list of an [ImportConfig].
//   - Attachments: an [AttachmentResolver] downloads, validates and stores
//     files referenced by a row.
//   - Reconciliation: an [Engine] runs one import, persisting each row in its
//     own transaction and deleting stale entities afterwards.
//   - Reports: a [Report] accumulates row outcomes and renders them.
//
// # Parser Registry
//
// Parsers are registered at init time using [Register]. Each [Definition]
// knows how to build the configuration and the source of one import:
//
//	core.Register(core.Definition{
//	    Name:        "organism",
//	    Model:       "Organism",
//	    NeedsOrigin: true,
//	    Build: func(opts core.BuildOptions) (*core.ImportConfig, core.Source, error) {
//	        cfg := &core.ImportConfig{
//	            Model:  "Organism",
//	            Fields: []core.FieldSpec{{Dest: "organism", Sources: []string{"nOm"}}},
//	        }
//	        return cfg, source.NewSpreadsheet(opts.Origin), nil
//	    },
//	})
//
// # Run Lifecycle
//
// An engine moves through [StateIdle], [StateRunning], then alternates
// [StateMapping] and [StatePersisting] per row, runs [StateDeleting] when the
// configuration asks for reconciliation, and ends in [StateDone]. Setup
// errors (unknown file type, unreadable source) end in [StateFailed] before
// any row is processed.
//
// # Error Handling
//
// Errors are typed so callers can tell fatal from recoverable failures:
//
//   - Fatal: [ConfigError], [SourceNotFoundError], [SourceFormatError], [GlobalImportError]
//   - Per row: [RowImportError], [ValueImportError], store errors
//   - Per attachment: [AttachmentImportError], [DownloadImportError]
//
// Row and attachment errors are recorded in the [Report] and never abort a run.
package core
