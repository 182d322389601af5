package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/notebook/internal/answer"
	"github.com/kalambet/notebook/internal/api"
	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/chunker"
	"github.com/kalambet/notebook/internal/config"
	"github.com/kalambet/notebook/internal/engine"
	"github.com/kalambet/notebook/internal/events"
	"github.com/kalambet/notebook/internal/ingest"
	"github.com/kalambet/notebook/internal/retrieval"
	"github.com/kalambet/notebook/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notebook server (foreground)",
	Long: `Run the notebook server in the foreground.

By default the REST API listens on the configured port. With --mcp the
server speaks the Model Context Protocol on stdin/stdout instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), mcpMode)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP over stdio instead of HTTP")
}

func runServer(parent context.Context, mcpMode bool) error {
	fmt.Fprintf(os.Stderr, "notebook version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	if !mcpMode {
		probe := &apiClient{baseURL: "http://" + cfg.Server.Address(), httpClient: &http.Client{}}
		if probe.healthCheck(parent) {
			printWarning("notebook is already running on %s", cfg.Server.Address())
			return fmt.Errorf("server already running on %s", cfg.Server.Address())
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{
		Provider:      cfg.Engine.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.ChatModel(), cfg.EmbedModel(), os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	blobs, err := storage.NewBlobs(cfg.Storage.UploadsDir())
	if err != nil {
		return fmt.Errorf("opening upload store: %w", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.EmbedModel(), retrieval.EmbedderConfig{
		BatchSize: cfg.Embedding.BatchSize,
		RateLimit: cfg.Embedding.RateLimit,
		Timeout:   cfg.Embedding.Timeout,
	})
	vectors := retrieval.NewMemoryStore(embedder, newSnapshotter(cfg, store), cfg.Embedding.Dimension)
	if err := vectors.Restore(ctx); err != nil {
		if !errors.Is(err, apperr.ErrStoreCorruption) {
			return fmt.Errorf("restoring vector store: %w", err)
		}
		slog.Warn("vector snapshot unusable, starting with an empty index", "error", err)
	}

	interrupted, err := store.FailInterruptedJobs("interrupted by server restart")
	if err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}
	if len(interrupted) > 0 {
		slog.Warn("marked interrupted jobs as failed", "count", len(interrupted))
	}

	broker := events.NewBroker(time.Second)
	defer broker.Close()

	worker, err := ingest.NewWorker(store, blobs, vectors, broker, ingest.WorkerConfig{
		Concurrency: cfg.Ingest.Concurrency,
		Chunking:    chunker.Options{Size: cfg.Chunker.Size, Overlap: cfg.Chunker.Overlap},
	})
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Store:   store,
		Blobs:   blobs,
		Vectors: vectors,
		Worker:  worker,
		Events:  broker,
		Watcher: ingest.NewWatcher(store, broker, cfg.Ingest.WatchInterval, cfg.Ingest.WatchTimeout),
		MaxSize: cfg.Ingest.MaxUploadBytes(),
	})
	defer pipeline.Close()

	answerer := answer.New(vectors, eng, answer.Config{
		Model:   cfg.ChatModel(),
		TopK:    cfg.Answer.TopK,
		Timeout: cfg.Answer.Timeout,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if dir := cfg.Ingest.InboxDir; dir != "" {
		g.Go(func() error {
			slog.Info("watching inbox", "dir", dir)
			if err := ingest.WatchInbox(gctx, dir, pipeline, slog.Default()); err != nil {
				return fmt.Errorf("inbox %s: %w", dir, err)
			}
			return nil
		})
	}

	if mcpMode {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Ingester: pipeline,
			Answerer: answerer,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			defer cancel()
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			return nil
		})
		return g.Wait()
	}

	srv := &http.Server{
		Addr: cfg.Server.Address(),
		Handler: api.NewHandler(api.Deps{
			Store:          store,
			Ingester:       pipeline,
			Answerer:       answerer,
			Index:          vectors,
			Events:         broker,
			Token:          cfg.Server.Token,
			MaxUploadBytes: cfg.Ingest.MaxUploadBytes() * 4,
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "notebook listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newSnapshotter(cfg config.Config, store *storage.Store) retrieval.Snapshotter {
	if cfg.Store.Snapshot == config.SnapshotSQLite {
		return retrieval.NewSQLiteSnapshotter(store.DB())
	}
	return retrieval.NewFileSnapshotter(cfg.Storage.SnapshotPath())
}
