package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"commonroom/internal/api"
	"commonroom/internal/config"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/generation"
	"commonroom/pkg/mailbox"
	"commonroom/pkg/supervisor"
	"commonroom/pkg/watcher"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds HTTP drain plus stopping every tracked process.
const shutdownTimeout = 30 * time.Second

// newServeCmd creates the "commonroom serve" subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mediator watcher, process supervisor and control API",
		Long: "Watches every helper inbox not consumed by polling and answers requests,\n" +
			"supervises the configured helper processes and serves the control API.\n" +
			"Runs until interrupted; tracked processes are stopped on exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := newLogger(os.Stderr, cfg.LogLevel)

			gen, err := newGenerator(cfg, offline)
			if err != nil {
				return err
			}

			if err := ClaimPIDFile(cfg.PIDPath); err != nil {
				return err
			}
			defer func() { _ = RemovePIDFile(cfg.PIDPath) }()

			srv, err := newServer(cfg, gen, log)
			if err != nil {
				return err
			}
			defer srv.Close()

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return srv.Run(ctx, ln)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "answer requests with an echo generator instead of Gemini")
	return cmd
}

// server wires the long-running components of "serve".
type server struct {
	cfg      *config.Config
	log      zerolog.Logger
	mb       *mailbox.Mailbox
	events   *eventlog.Store
	registry *supervisor.Registry
	watcher  *watcher.Watcher
	http     *http.Server
}

func newServer(cfg *config.Config, gen generation.Generator, log zerolog.Logger) (*server, error) {
	mb, err := mailbox.New(cfg.Room,
		mailbox.WithAutoCreate(cfg.AutoCreateInbox),
		mailbox.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	events, err := eventlog.Open(cfg.EventDB)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	registry, err := supervisor.New(cfg.Processes,
		supervisor.WithSettleInterval(cfg.SettleInterval.Duration),
		supervisor.WithLogDir(cfg.LogDir),
		supervisor.WithLogger(log),
		supervisor.WithEventLog(events),
	)
	if err != nil {
		_ = events.Close()
		return nil, fmt.Errorf("create supervisor: %w", err)
	}

	w := watcher.New(mb, gen,
		watcher.WithSkip(cfg.PolledAgents...),
		watcher.WithPersonas(generation.NewPersonas(cfg.HelpersDir, log)),
		watcher.WithLogger(log),
		watcher.WithEventLog(events),
	)

	router := api.NewRouter(api.Deps{
		Registry: registry,
		Mailbox:  mb,
		Events:   events,
		Logger:   log,
	})

	return &server{
		cfg:      cfg,
		log:      log,
		mb:       mb,
		events:   events,
		registry: registry,
		watcher:  w,
		http: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down: HTTP first, then the watcher, then tracked processes.
func (s *server) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		if err := s.watcher.Run(ctx); err != nil {
			errc <- fmt.Errorf("watcher: %w", err)
			return
		}
		errc <- nil
	}()
	go func() {
		s.log.Info().
			Str("listen", ln.Addr().String()).
			Str("room", s.cfg.Room).
			Int("processes", len(s.cfg.Processes)).
			Msg("starting commonroom")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
			return
		}
		errc <- nil
	}()

	pending := 2
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		pending--
	}
	cancel()
	s.log.Info().Msg("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	for ; pending > 0; pending-- {
		if err := <-errc; err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	if err := s.registry.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stop processes: %w", err))
	}

	s.log.Info().Msg("commonroom stopped")
	return runErr
}

// Close releases the event log.
func (s *server) Close() {
	if err := s.events.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close event log")
	}
}
