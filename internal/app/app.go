// Package app wires all voicecast subsystems into a running HTTP service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithJournal,
// WithEncoder, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicecast/internal/api"
	"github.com/MrWong99/voicecast/internal/auth"
	"github.com/MrWong99/voicecast/internal/config"
	"github.com/MrWong99/voicecast/internal/health"
	"github.com/MrWong99/voicecast/internal/journal"
	"github.com/MrWong99/voicecast/internal/observe"
	"github.com/MrWong99/voicecast/internal/speech"
	"github.com/MrWong99/voicecast/internal/storage"
	"github.com/MrWong99/voicecast/internal/video"
	"github.com/MrWong99/voicecast/pkg/provider/tts"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// checkFunc matches the probe signature used by [health.Checker].
type checkFunc interface {
	Check(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider tts.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	store          api.ArtifactStore
	journal        journal.Journal
	encoder        video.Encoder
	metrics        *observe.Metrics
	metricsHandler http.Handler
	now            func() time.Time
	checkers       []health.Checker

	handler http.Handler
	server  *http.Server

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the artifact store instead of creating a filesystem store
// at storage.root.
func WithStore(s api.ArtifactStore) Option {
	return func(a *App) { a.store = s }
}

// WithJournal injects a request journal instead of creating one from
// journal.postgres_dsn.
func WithJournal(j journal.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithEncoder injects a video encoder instead of the ffmpeg encoder.
func WithEncoder(e video.Encoder) Option {
	return func(a *App) { a.encoder = e }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithClock replaces time.Now for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithCheckers adds readiness checks next to the built-in ones.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. provider is the
// synthesis backend, usually a [resilience.TTSFallback] built by main.go via
// the config registry.
func New(ctx context.Context, cfg *config.Config, provider tts.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Artifact store ────────────────────────────────────────────────
	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 3. Speech pipeline ───────────────────────────────────────────────
	dispatcher := speech.NewDispatcher(provider, a.store,
		speech.WithMaxParallel(cfg.Speech.MaxParallel),
		speech.WithDispatchMetrics(a.metrics),
		speech.WithProviderName(cfg.Providers.TTS.Name),
	)
	pipeline := speech.NewPipeline(dispatcher, speech.NewConcatMerger(a.store), a.store,
		speech.WithMaxGraphemes(cfg.Speech.MaxChunkGraphemes),
		speech.WithDefaultVoice(cfg.Speech.Voice),
		speech.WithClock(a.now),
		speech.WithPipelineMetrics(a.metrics),
	)

	// ── 4. Video renderer ────────────────────────────────────────────────
	if a.encoder == nil {
		a.encoder = &video.FFmpegEncoder{Path: cfg.Video.FFmpegPath}
	}
	renderer := video.NewRenderer(a.encoder, cfg.Video.CoverImage, video.WithMetrics(a.metrics))

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	apiServer := api.New(pipeline, renderer, a.store,
		api.WithVoices(provider),
		api.WithJournal(a.journal),
		api.WithAuthenticator(&auth.HeaderAuthenticator{
			UserHeader: cfg.Auth.UserHeader,
			NameHeader: cfg.Auth.NameHeader,
		}),
	)

	mux := http.NewServeMux()
	health.New(a.readinessCheckers(renderer)...).Register(mux)
	mux.Handle("/api/", apiServer.Handler())
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the filesystem store unless one was injected.
func (a *App) initStore() error {
	if a.store != nil {
		return nil
	}
	fs, err := storage.NewFS(a.cfg.Storage.Root)
	if err != nil {
		return err
	}
	a.store = fs
	slog.Info("artifact store ready", "root", fs.Root())
	return nil
}

// initJournal connects the PostgreSQL journal, or keeps history in memory
// when no DSN is configured.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		return nil
	}
	dsn := a.cfg.Journal.PostgresDSN
	if dsn == "" {
		a.journal = &journal.MemJournal{}
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	pj := journal.NewPostgresJournal(pool)
	if err := pj.Migrate(ctx); err != nil {
		return err
	}
	a.journal = pj
	a.checkers = append(a.checkers, health.Checker{Name: "journal", Check: pool.Ping})
	slog.Info("request journal connected")
	return nil
}

// readinessCheckers returns the built-in checks followed by injected ones.
func (a *App) readinessCheckers(r *video.Renderer) []health.Checker {
	var checks []health.Checker
	if fs, ok := a.store.(*storage.FS); ok {
		checks = append(checks, health.Checker{Name: "storage", Check: health.DirWritable(fs.Root())})
	}
	checks = append(checks, health.Checker{Name: "cover_image", Check: health.FileExists(r.Cover())})
	if c, ok := a.encoder.(checkFunc); ok {
		checks = append(checks, health.Checker{Name: "encoder", Check: c.Check})
	}
	if c, ok := a.provider.(checkFunc); ok {
		checks = append(checks, health.Checker{Name: "tts", Check: c.Check})
	}
	return append(checks, a.checkers...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the bound listener address once Run has started listening.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns the context error; the caller then invokes
// Shutdown to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			errCh <- a.server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for in-flight ones until ctx
// expires, then runs the closers in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers registered so far. Used when New fails midway.
func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
