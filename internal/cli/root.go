// Package cli provides the command-line interface of geoimport.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/geoimport/internal/blob"
	"github.com/JonMunkholm/geoimport/internal/config"
	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/fetch"
	"github.com/JonMunkholm/geoimport/internal/logging"
	_ "github.com/JonMunkholm/geoimport/internal/parsers" // Register all parsers
	"github.com/JonMunkholm/geoimport/internal/status"
	"github.com/JonMunkholm/geoimport/internal/store/memory"
	"github.com/JonMunkholm/geoimport/internal/store/postgres"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbosity int
	taskID    string

	// Runtime set up by PersistentPreRunE
	cfg          *config.Config
	store        core.Store
	httpClient   core.Doer
	blobs        core.BlobStore
	tasks        *status.RedisStore
	closeLogging func() error
	closeStore   func()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "geoimport",
	Short: "Import and reconcile geographic data from files and remote APIs",
	Long: `geoimport reads rows from spreadsheets, XML documents, shapefiles and
paginated JSON APIs, maps them onto domain entities and reconciles them with
the entities already stored: new rows are created, known rows updated, and
entities that vanished upstream are deleted.

Configuration comes from the environment (and a .env file when present).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "parsers" {
			return nil
		}
		return setup(cmd.Context())
	},
}

// Execute adds all child commands to the root command and runs it.
// Connections opened by the command are closed even when it fails.
func Execute(ctx context.Context) error {
	defer teardown()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 1, "0 prints nothing, 1 prints warnings, 2 prints one line per row")
	rootCmd.PersistentFlags().StringVar(&taskID, "task-id", "", "publish progress under this task id (needs REDIS_URL)")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(parsersCmd)
	rootCmd.AddCommand(serveCmd)
}

// setup loads the configuration and opens the store, blob storage and
// status store it names.
func setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	closeLogging = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	slog.Debug("configuration loaded", "config", cfg.String())

	if err := openStore(ctx); err != nil {
		return err
	}

	httpClient = fetch.NewRetryClient(fetch.NewClient(cfg.Parser.HTTPTimeout), cfg.Parser.Tries, cfg.Parser.RetrySleep)

	if cfg.Attachment.S3Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   cfg.Attachment.S3Bucket,
			Prefix:   cfg.Attachment.S3Prefix,
			Region:   cfg.Attachment.S3Region,
			Endpoint: cfg.Attachment.S3Endpoint,
		})
	} else {
		blobs, err = blob.NewFSStore(cfg.Attachment.MediaRoot)
	}
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	if cfg.Status.RedisURL != "" {
		tasks, err = status.Connect(ctx, cfg.Status.RedisURL, cfg.Status.TTL)
		if err != nil {
			return fmt.Errorf("open status store: %w", err)
		}
		if taskID == "" {
			taskID = uuid.NewString()
		}
		slog.Info("publishing task status", "task", taskID)
	}
	return nil
}

func openStore(ctx context.Context) error {
	switch strings.ToLower(cfg.Store.Backend) {
	case "memory":
		mem := memory.New()
		if cfg.Attachment.FileType != "" {
			mem.AddFileType(cfg.Attachment.FileType)
		}
		store = mem
		closeStore = func() {}
		slog.Warn("using the in-memory store, nothing will be persisted")
	default:
		pg, err := postgres.Connect(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return err
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		store = pg
		closeStore = pg.Close
	}
	return nil
}

func teardown() {
	if tasks != nil {
		if err := tasks.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close status store: %v\n", err)
		}
		tasks = nil
	}
	if closeStore != nil {
		closeStore()
		closeStore = nil
	}
	if closeLogging != nil {
		_ = closeLogging()
		closeLogging = nil
	}
}

// newAttachments returns a resolver configured from the environment.
// Each import run gets its own so that statistics stay per run.
func newAttachments() *core.AttachmentResolver {
	return core.NewAttachmentResolver(fetch.NewClient(cfg.Parser.HTTPTimeout), blobs, core.AttachmentOptions{
		Tries:        cfg.Parser.Tries,
		RetrySleep:   cfg.Parser.RetrySleep,
		AllowedTypes: cfg.Attachment.AllowedTypes(),
		MinWidth:     cfg.Attachment.MinWidth,
		MinHeight:    cfg.Attachment.MinHeight,
		MaxBytes:     cfg.Attachment.MaxBytes,
		FileType:     cfg.Attachment.FileType,
	})
}

// progressCallback publishes progress when a task id is set.
func progressCallback(ctx context.Context, id string) core.ProgressCallback {
	if tasks == nil || id == "" {
		return nil
	}
	return tasks.Callback(ctx, id)
}

func finishTask(ctx context.Context, id string, r *core.Report) {
	if tasks == nil || id == "" || r == nil {
		return
	}
	if err := tasks.Finish(ctx, id, r); err != nil {
		slog.Warn("failed to publish task report", "task", id, "error", err)
	}
}

// runParser builds def with opts and runs it once, publishing progress and
// the final report under id.
func runParser(ctx context.Context, id string, def core.Definition, opts core.BuildOptions, progress io.Writer) (*core.Report, error) {
	opts.HTTP = httpClient
	opts.PageSize = cfg.Parser.PageSize
	opts.Languages = cfg.Parser.Languages
	opts.DefaultLanguage = cfg.Parser.DefaultLanguage

	importCfg, src, err := def.Build(opts)
	if err != nil {
		return nil, err
	}
	eng, err := core.NewEngine(importCfg, store, core.Options{
		Verbosity:   verbosity,
		Progress:    progress,
		OnProgress:  progressCallback(ctx, id),
		Attachments: newAttachments(),
		TaskID:      id,
	})
	if err != nil {
		return nil, err
	}

	report, err := eng.Run(ctx, src)
	finishTask(ctx, id, report)
	return report, err
}
