// Package app wires the voxlink subsystems into a running client.
//
// The App owns the full lifecycle: New builds the session, the control API
// and the optional log feed from the config, Run serves until the context is
// cancelled, and Shutdown closes the voice connection gracefully and releases
// the audio devices.
//
// For testing, inject audio doubles and a listener via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/control"
	"github.com/MrWong99/voxlink/internal/duplex"
	"github.com/MrWong99/voxlink/internal/logfeed"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// reloadTimeout bounds applying a hot-reloaded language change.
const reloadTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	levels  *slog.LevelVar
	metrics *observe.Metrics

	source audio.Source
	sink   audio.Sink

	// Subsystems, initialised in New, torn down in Shutdown.
	session  *session.Session
	feed     *logfeed.Feed
	control  *control.Server
	watcher  *config.Watcher
	listener net.Listener

	running     atomic.Bool
	sessionDone chan error

	// closers are called in order during Shutdown, after the session.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithAudio sets the microphone source and the speaker sink. Required.
func WithAudio(src audio.Source, sink audio.Sink) Option {
	return func(a *App) {
		a.source = src
		a.sink = sink
	}
}

// WithLevelVar sets the level variable that hot-reloaded log levels are
// applied to.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levels = lv }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWatcher runs w alongside the app. Its callback should call [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves the control API on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCloser registers fn to run during Shutdown after the built-in closers.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing runs until
// [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		sessionDone: make(chan error, 1),
	}
	for _, o := range opts {
		o(a)
	}
	// The sink closes before closers registered through options.
	extra := a.closers
	a.closers = nil

	if a.source == nil || a.sink == nil {
		return nil, errors.New("app: audio source and sink are required")
	}
	if a.levels == nil {
		a.levels = new(slog.LevelVar)
		a.levels.Set(cfg.Server.LogLevel.Level())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session ───────────────────────────────────────────────────────
	sess, err := session.New(sessionConfig(cfg, a.metrics), a.source, a.sink)
	if err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.session = sess
	a.closers = append(a.closers, a.sink.Close)

	// ── 2. Log feed (optional) ───────────────────────────────────────────
	if cfg.Logs.URL != "" {
		feed, err := logfeed.New(logfeed.Config{
			URL:        cfg.Logs.URL,
			Interval:   cfg.Logs.Interval,
			MaxEntries: cfg.Logs.MaxEntries,
			Metrics:    a.metrics,
			Breaker: resilience.NewBreaker(resilience.BreakerConfig{
				Name: "logfeed",
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("app: init log feed: %w", err)
		}
		a.feed = feed
	}

	// ── 3. Control API ───────────────────────────────────────────────────
	ccfg := control.Config{
		Addr:    cfg.Server.ListenAddr,
		Session: a.session,
		Metrics: a.metrics,
	}
	if a.feed != nil {
		ccfg.Logs = a.feed
	}
	srv, err := control.New(ccfg)
	if err != nil {
		return nil, fmt.Errorf("app: init control api: %w", err)
	}
	a.control = srv

	a.closers = append(a.closers, extra...)
	return a, nil
}

// sessionConfig maps the file config onto the session's.
func sessionConfig(cfg *config.Config, m *observe.Metrics) session.Config {
	langs := make([]session.Language, 0, len(cfg.Session.Languages))
	for _, l := range cfg.Session.Languages {
		name := l.Name
		if name == "" {
			name = l.Code
		}
		langs = append(langs, session.Language{Code: l.Code, Name: name})
	}
	return session.Config{
		Languages: langs,
		Language:  cfg.Session.Language,
		Connection: duplex.Config{
			URL:         cfg.Service.URL,
			DialTimeout: cfg.Service.DialTimeout,
			ReadLimit:   cfg.Service.ReadLimit,
			SendBuffer:  cfg.Service.SendBuffer,
		},
		InputSampleRate:  cfg.Audio.InputSampleRate,
		DeviceSampleRate: cfg.Audio.DeviceSampleRate,
		FrameSize:        cfg.Audio.FrameSize,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		OutputGain:       float32(cfg.Audio.OutputGain),
		BargeInThreshold: float32(cfg.Audio.BargeInThreshold),
		Metrics:          m,
	}
}

// Session returns the voice session.
func (a *App) Session() *session.Session { return a.session }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session loop, connects for the configured language and
// serves the control API, the log feed and the config watcher until ctx is
// cancelled or one of them fails. The session
// loop keeps running after Run returns so that [App.Shutdown] can close the
// connection gracefully.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app: already running")
	}
	go func() { a.sessionDone <- a.session.Run(context.WithoutCancel(ctx)) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.listener != nil {
			return a.control.Serve(gctx, a.listener)
		}
		return a.control.Run(gctx)
	})
	if a.feed != nil {
		g.Go(func() error { return a.feed.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		// The session records failures; the API stays up so the user can
		// retry.
		if err := a.session.Connect(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("app: initial connect failed", "err", err)
		}
		if !a.cfg.Session.AutoStart {
			return nil
		}
		if err := a.session.Start(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("app: auto start failed", "err", err)
		}
		return nil
	})

	slog.Info("app: running",
		"session", a.session.ID(),
		"language", a.cfg.Session.Language,
		"log_feed", a.feed != nil,
		"auto_start", a.cfg.Session.AutoStart,
	)
	return g.Wait()
}

// Reload applies the hot-reloadable differences between old and new. It is
// meant to be called from the config watcher.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.levels.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := a.session.ChangeLanguage(ctx, d.NewLanguage); err != nil {
			slog.Warn("app: apply language from config", "language", d.NewLanguage, "err", err)
		} else {
			slog.Info("app: language changed from config", "language", d.NewLanguage)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the voice connection gracefully, stops the session loop and
// then runs the closers in order. It respects the context deadline: if ctx
// expires, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.running.Load() {
			if err := a.session.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			select {
			case err := <-a.sessionDone:
				if err != nil {
					errs = append(errs, fmt.Errorf("app: session loop: %w", err))
				}
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
