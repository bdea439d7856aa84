package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the import task API",
	Long: `Serve an HTTP API that launches imports in the background and reports
their progress.

  GET  /api/parsers                  registered parsers
  POST /api/imports/{parser}         launch an import (multipart "file" parts or "url")
  GET  /api/tasks/{id}               progress of an import
  GET  /api/tasks/{id}/report        final report (?format=html|text|json)

Task endpoints need REDIS_URL. The server stops on SIGINT or SIGTERM and
waits up to SERVER_SHUTDOWN_TIMEOUT for running imports.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	srv := newServer()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr()) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

func newServer() *web.Server {
	opts := web.Options{
		Launch: func(ctx context.Context, id string, def core.Definition, bo core.BuildOptions) (*core.Report, error) {
			return runParser(ctx, id, def, bo, io.Discard)
		},
		MaxConcurrent:  cfg.Server.MaxConcurrentImports,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		UploadDir:      cfg.Server.UploadDir,
		APIKeys:        cfg.Server.APIKeys,
		TrustedProxies: cfg.Server.TrustedProxies,
	}
	if tasks != nil {
		opts.Tasks = tasks
	}
	return web.NewServer(opts)
}
