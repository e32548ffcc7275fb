// Package daemon wires the session backend, the scheduler, persistence and
// the gateway into one long-running process and exposes them on a unix
// control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/schovi/shellcrew/internal/clock"
	"github.com/schovi/shellcrew/internal/config"
	"github.com/schovi/shellcrew/internal/gateway"
	"github.com/schovi/shellcrew/internal/persist"
	"github.com/schovi/shellcrew/internal/schedule"
	"github.com/schovi/shellcrew/internal/session"
	"github.com/schovi/shellcrew/internal/store"
)

// ErrAlreadyRunning is returned when another daemon holds the data
// directory lock.
var ErrAlreadyRunning = errors.New("daemon already running")

type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	lock      *flock.Flock
	store     *store.Store
	sessions  *session.Manager
	state     *persist.Store
	scheduler *schedule.Scheduler
	gateway   *gateway.Gateway
	control   *Server

	httpServer *http.Server
	httpAddr   net.Addr
	ready      chan struct{}

	shutdownOnce sync.Once
}

type Option func(*Daemon)

func WithDaemonLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

func WithDaemonClock(c clock.Clock) Option {
	return func(d *Daemon) {
		d.clock = c
	}
}

// New takes the data directory lock and opens every service. Nothing runs
// until Run.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		clock:  clock.Real(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	d.lock = flock.New(filepath.Join(cfg.Daemon.DataDir, LockFileName))
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock held on %s)", ErrAlreadyRunning, d.lock.Path())
	}

	if err := d.open(); err != nil {
		d.lock.Unlock()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) open() error {
	cfg := d.cfg

	st, err := store.Open(cfg.Scheduler.Database, store.WithLogger(d.logger))
	if err != nil {
		return err
	}
	d.store = st

	sessions, err := session.NewBackend(session.Config{
		Kind:          cfg.Sessions.Backend,
		MaxOutput:     int(cfg.Sessions.MaxOutput),
		StoppedTTL:    cfg.Sessions.StoppedTTL.Std(),
		Cols:          cfg.Sessions.Cols,
		Rows:          cfg.Sessions.Rows,
		TmuxSocket:    cfg.Tmux.Socket,
		PollInterval:  cfg.Tmux.PollInterval.Std(),
		ReadyAttempts: cfg.Tmux.ReadyAttempts,
	}, session.WithLogger(d.logger), session.WithClock(d.clock))
	if err != nil {
		st.Close()
		return err
	}
	d.sessions = sessions

	d.state = persist.New(cfg.Persistence.StateFile,
		persist.WithNamePrefix(cfg.Sessions.NamePrefix),
		persist.WithResumeArgs(cfg.Persistence.Resume),
		persist.WithLogger(d.logger),
		persist.WithClock(d.clock),
	)

	schedOpts := []schedule.Option{
		schedule.WithClock(d.clock),
		schedule.WithLogger(d.logger),
		schedule.WithPause(cfg.Scheduler.DeliveryPause.Std()),
		schedule.WithResolver(schedule.NewResolver(cfg.Scheduler.Aliases, cfg.Scheduler.Orchestrator, d.state)),
	}
	if text := cfg.ContinuationText(); text != "" {
		schedOpts = append(schedOpts, schedule.WithTransform(schedule.Continuation(text)))
	}
	d.scheduler = schedule.New(st, sessions, schedOpts...)

	d.gateway = gateway.New(sessions, gateway.WithLogger(d.logger))
	d.control = NewServer(cfg.Daemon.Socket, Deps{
		Sessions:  sessions,
		State:     d.state,
		Scheduler: d.scheduler,
		Store:     st,
	}, WithLogger(d.logger), WithClock(d.clock))
	return nil
}

// Run restores saved sessions, starts every service and blocks until ctx
// is cancelled or a listener fails. It always shuts down before returning.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting", "pid", os.Getpid(), "data_dir", d.cfg.Daemon.DataDir, "backend", d.sessions.Kind())

	result, err := d.state.Restore(ctx, d.sessions)
	if err != nil {
		d.logger.Error("state file not restored", "path", d.state.Path(), "error", err)
	} else {
		d.logger.Info("sessions restored",
			"restored", len(result.Restored),
			"skipped", len(result.Skipped),
			"failed", len(result.Failed),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := d.scheduler.Start(gctx); err != nil {
		d.Shutdown()
		return err
	}

	g.Go(func() error {
		d.state.Run(gctx, d.sessions, d.cfg.Persistence.AutosaveInterval.Std())
		return nil
	})

	if d.cfg.Daemon.Listen != "" {
		ln, err := net.Listen("tcp", d.cfg.Daemon.Listen)
		if err != nil {
			d.Shutdown()
			return fmt.Errorf("gateway listen: %w", err)
		}
		d.httpAddr = ln.Addr()
		d.httpServer = &http.Server{
			Handler:           gateway.NewHandler(d.gateway, gateway.WithHandlerLogger(d.logger)).Mux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		d.logger.Info("gateway listening", "addr", d.httpAddr.String())
		g.Go(func() error {
			if err := d.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(d.control.Start)
	close(d.ready)

	g.Go(func() error {
		<-gctx.Done()
		d.Shutdown()
		return nil
	})

	return g.Wait()
}

// Ready is closed once Run has started every listener.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// GatewayAddr is the bound gateway address, or nil when disabled.
func (d *Daemon) GatewayAddr() net.Addr { return d.httpAddr }

// Shutdown saves state first, then stops the scheduler, the listeners and
// every session, and finally closes the store and releases the lock.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("daemon shutting down")

		if n, err := d.state.Save(d.sessions); err != nil {
			d.logger.Error("saving state on shutdown", "error", err)
		} else {
			d.logger.Info("state saved", "sessions", n, "path", d.state.Path())
		}

		d.scheduler.Stop()
		d.control.Shutdown()
		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.httpServer.Close()
			}
			cancel()
		}
		d.sessions.Destroy()

		if err := d.store.Close(); err != nil {
			d.logger.Error("closing store", "error", err)
		}
		if err := d.lock.Unlock(); err != nil {
			d.logger.Error("releasing lock", "error", err)
		}
		d.logger.Info("daemon stopped")
	})
}
