package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	assetaware "github.com/u9401066/asset-aware-mcp"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var addr, ingestRoot string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the asset API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}

			engine, err := assetaware.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			srv := &http.Server{
				Addr: addr,
				Handler: newServer(engine, serverOptions{
					apiKey:      os.Getenv("ASSETAWARE_API_KEY"),
					corsOrigins: os.Getenv("ASSETAWARE_CORS_ORIGINS"),
					ingestRoot:  ingestRoot,
				}),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0, // decomposition of large uploads can be long
				IdleTimeout:  120 * time.Second,
			}
			return run(cmd.Context(), srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&ingestRoot, "ingest-root", os.Getenv("ASSETAWARE_INGEST_ROOT"),
		"directory that path requests may read from (empty disables them)")
	return cmd
}

type serverOptions struct {
	apiKey      string
	corsOrigins string
	ingestRoot  string
}

// newServer builds the routed handler with its middleware chain.
func newServer(engine assetaware.Engine, opts serverOptions) http.Handler {
	h := newHandler(engine, opts.ingestRoot)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /documents", h.handleDecompose)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /documents/{id}", h.handleIndex)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("GET /documents/{id}/text", h.handleFullText)
	mux.HandleFunc("GET /documents/{id}/sections/{sid}", h.handleSection)
	mux.HandleFunc("GET /documents/{id}/tables/{tid}", h.handleTable)
	mux.HandleFunc("GET /documents/{id}/figures/{fid}", h.handleFigure)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(opts.apiKey, handler)
	handler = corsMiddleware(opts.corsOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}

// run serves until SIGINT/SIGTERM or ctx is done, then shuts down
// gracefully.
func run(ctx context.Context, srv *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
		return err
	}

	slog.Info("server stopped")
	return nil
}
