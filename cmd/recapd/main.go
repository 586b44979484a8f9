// Command recapd is the realtime meeting companion server: websocket
// audio/video ingest, batch speech-to-text, slide change detection,
// overlapping recap windows, and tiered session Q&A.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/lucasvandyk/recapd/internal/bus"
	"github.com/lucasvandyk/recapd/internal/config"
	"github.com/lucasvandyk/recapd/internal/health"
	"github.com/lucasvandyk/recapd/internal/observe"
	"github.com/lucasvandyk/recapd/internal/pipeline"
	"github.com/lucasvandyk/recapd/internal/qna"
	"github.com/lucasvandyk/recapd/internal/recap"
	"github.com/lucasvandyk/recapd/internal/server"
	"github.com/lucasvandyk/recapd/internal/session"
	"github.com/lucasvandyk/recapd/internal/store"
	"github.com/lucasvandyk/recapd/internal/stt"
	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/pkg/objstore"
	"github.com/lucasvandyk/recapd/pkg/provider/embeddings"
	embmock "github.com/lucasvandyk/recapd/pkg/provider/embeddings/mock"
	oaembed "github.com/lucasvandyk/recapd/pkg/provider/embeddings/openai"
	"github.com/lucasvandyk/recapd/pkg/provider/llm"
	"github.com/lucasvandyk/recapd/pkg/provider/llm/anyllm"
	llmmock "github.com/lucasvandyk/recapd/pkg/provider/llm/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: defaults plus environment)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "recapd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "recapd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("recapd starting",
		"config", *configPath,
		"bind_addr", cfg.Server.BindAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "recapd"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	var checkers []health.Checker

	// ── Persistence (optional) ────────────────────────────────────────────────
	var db *store.Store
	if cfg.Postgres.DSN != "" {
		db, err = store.NewStore(ctx, cfg.Postgres.DSN, cfg.Postgres.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer db.Close()
		checkers = append(checkers, health.Checker{Name: "postgres", Check: db.Ping})
		slog.Info("postgres connected", "embedding_dimensions", cfg.Postgres.EmbeddingDimensions)
	} else {
		slog.Warn("postgres not configured, running memory-only")
	}

	// ── Object storage ────────────────────────────────────────────────────────
	var blobs objstore.Store
	if cfg.Storage.Configured() {
		blobs, err = objstore.NewS3Store(ctx, objstore.S3Options{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			slog.Error("failed to create s3 store", "err", err)
			return 1
		}
		slog.Info("object storage ready", "bucket", cfg.Storage.Bucket)
	} else {
		blobs, err = objstore.NewLocalStore(cfg.Server.FilesDir)
		if err != nil {
			slog.Error("failed to create local store", "err", err)
			return 1
		}
		slog.Info("object storage ready", "dir", cfg.Server.FilesDir)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	model, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}
	embedder, err := buildEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}

	var transcriber pipeline.Transcriber
	if cfg.ASR.URL != "" {
		transcriber = stt.NewClient(cfg.ASR.URL, stt.WithLogger(logger))
		slog.Info("stt client ready", "url", cfg.ASR.URL)
	} else {
		slog.Warn("asr url not configured, audio records will carry no transcript")
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	eventBus := bus.New(logger)
	registry := session.NewRegistry(cfg.Pipeline, logger)

	var persister pipeline.Persister
	var replay server.Replayer
	if db != nil {
		persister = db
		replay = db
	}

	pipe := pipeline.New(pipeline.Options{
		Config: cfg.Pipeline,
		Bus:    eventBus,
		STT:    transcriber,
		Capturer: &vision.Capturer{
			Width:      cfg.Pipeline.CaptureWidth,
			Height:     cfg.Pipeline.CaptureHeight,
			Store:      blobs,
			PresignTTL: time.Duration(cfg.Storage.PresignTTLSeconds) * time.Second,
			Log:        logger,
		},
		Recaps:  recap.NewEngine(model, metrics, logger),
		DB:      persister,
		Metrics: metrics,
		Log:     logger,
	})

	qnaOpts := []qna.Option{qna.WithMetrics(metrics)}
	if model != nil {
		qnaOpts = append(qnaOpts, qna.WithModel(model))
	}
	if db != nil {
		qnaOpts = append(qnaOpts, qna.WithRecorder(db))
		if embedder != nil {
			qnaOpts = append(qnaOpts, qna.WithDocs(embedder, db))
		}
	}
	if cfg.Providers.WebSearchURL != "" {
		qnaOpts = append(qnaOpts, qna.WithWebSearcher(qna.NewHTTPSearcher(cfg.Providers.WebSearchURL, nil)))
	}
	answers := qna.NewEngine(eventBus, logger, qnaOpts...)

	srv := server.New(server.Options{
		Config:   *cfg,
		Registry: registry,
		Bus:      eventBus,
		Pipeline: pipe,
		Qna:      answers,
		Replay:   replay,
		Metrics:  metrics,
		Log:      logger,
	})

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	srv.Register(mux)

	probes := health.New(checkers...)
	mux.HandleFunc("GET /healthz", probes.Healthz)
	mux.HandleFunc("GET /readyz", probes.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.Server.FilesDir))))

	httpSrv := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	pipe.Drain()
	for _, id := range registry.List() {
		eventBus.Close(id)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// buildLLM creates the configured completion provider. An empty name
// disables model-backed recap and Q&A; both fall back to extractive
// output.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		slog.Warn("llm provider not configured, recap falls back to extractive mode")
		return nil, nil
	case "mock":
		return &llmmock.Provider{}, nil
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(entry.Name, entry.Model, opts...)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// buildEmbeddings creates the configured embeddings provider. Empty
// name disables the tier-1 document search.
func buildEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "mock":
		return &embmock.Provider{}, nil
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", entry.Model)
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", entry.Name)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
