package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"pollcat/internal/config"
	"pollcat/internal/metrics"
	"pollcat/internal/pollcat"
)

// App is the application layer between the CLI and the reconciliation strategies.
// It constructs all dependencies from config, exposes the operations the CLI needs,
// and releases the database and log file on Close.
type App struct {
	cfg      *config.Config
	backends *Backends
	strategy pollcat.Strategy
	runner   pollcat.Runner
	poller   *pollcat.Poller
	logger   pollcat.Logger
	logFile  *os.File
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	sessionID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, sessionID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	b, err := NewBackendsFromConfig(ctx, cfg, logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	a, err := NewAppWithBackends(cfg, b, logger, pollcat.RealClock{}, pollcat.UUIDGenerator{})
	if err != nil {
		b.History.Close()
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

// NewAppWithBackends wires the strategy, recorder and poller around existing backends.
func NewAppWithBackends(cfg *config.Config, b *Backends, logger pollcat.Logger, clock pollcat.Clock, idgen pollcat.IDGenerator) (*App, error) {
	name := cfg.Strategy
	if name == "" {
		name = string(pollcat.StrategyVisit)
	}
	strategy, err := pollcat.ParseStrategy(name)
	if err != nil {
		return nil, err
	}

	if err := b.History.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	var next pollcat.Runner
	switch strategy {
	case pollcat.StrategyGlobus:
		next = pollcat.NewGlobusStrategy(b.Catalogue, b.Provisioner, b.Filesystem, pollcat.GlobusOptions{
			SourceRoot:        cfg.SourceRoot,
			DestinationRoot:   cfg.DestinationRoot,
			DefaultGroup:      cfg.DefaultGroup,
			LocationChunkSize: cfg.LocationChunkSize,
		}, logger, clock, idgen)
	default:
		next = pollcat.NewVisitReconciler(b.Catalogue, b.Directory, b.Scheduler, b.Provisioner, b.Filesystem, pollcat.VisitOptions{
			SourceRoot:           cfg.SourceRoot,
			DestinationRoot:      cfg.DestinationRoot,
			Anchor:               cfg.Anchor,
			DefaultUser:          cfg.DefaultUser,
			DefaultGroup:         cfg.DefaultGroup,
			SchedulerGroupPrefix: cfg.Scheduler.GroupPrefix,
			LocationChunkSize:    cfg.LocationChunkSize,
		}, logger, clock, idgen)
	}
	runner := pollcat.NewRecordingRunner(next, strategy, b.History, b.Archive, logger, clock, idgen)

	interval, err := config.Duration(cfg.PollInterval, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("poll_interval: %w", err)
	}

	return &App{
		cfg:      cfg,
		backends: b,
		strategy: strategy,
		runner:   runner,
		poller:   pollcat.NewPoller(b.Requests, runner, interval, logger),
		logger:   logger,
	}, nil
}

// Backends exposes the wired backends.
func (a *App) Backends() *Backends { return a.backends }

// Strategy returns the configured delivery strategy.
func (a *App) Strategy() pollcat.Strategy { return a.strategy }

// Reconcile runs the configured strategy for one request and records the run.
func (a *App) Reconcile(ctx context.Context, req *pollcat.Request) (*pollcat.Report, error) {
	if len(req.FileIDs) == 0 && req.PreparedID != "" {
		ids, err := a.backends.Requests.DatafileIDs(ctx, req.PreparedID)
		if err != nil {
			return nil, fmt.Errorf("listing files of %s: %w", req.PreparedID, err)
		}
		req.FileIDs = ids
	}
	return a.runner.Run(ctx, req)
}

// PollOnce processes every pending request once and returns how many completed.
func (a *App) PollOnce(ctx context.Context) (int, error) {
	return a.poller.PollOnce(ctx)
}

// RunDaemon polls until ctx is cancelled. When a metrics address is configured
// the Prometheus endpoint is served alongside.
func (a *App) RunDaemon(ctx context.Context) error {
	if err := a.backends.Archive.ValidateSetup(ctx); err != nil {
		return fmt.Errorf("report archive: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		a.logger.Info("serving metrics", "addr", addr)
		g.Go(func() error {
			if err := metrics.Serve(ctx, addr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return a.poller.Run(ctx)
	})
	return g.Wait()
}

// History returns the most recent runs, newest first.
func (a *App) History(limit int) ([]*pollcat.RunRecord, error) {
	return a.backends.History.ListRuns(limit)
}

// RequestHistory returns every run of one request, newest first.
func (a *App) RequestHistory(requestID int64) ([]*pollcat.RunRecord, error) {
	return a.backends.History.FindRunsByRequest(requestID)
}

// Run returns a recorded run and the items it skipped.
func (a *App) Run(runID string) (*pollcat.RunRecord, []pollcat.SkippedItem, error) {
	rec, err := a.backends.History.FindRun(runID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("run %s: %w", runID, pollcat.ErrNotFound)
	}
	skips, err := a.backends.History.ListSkips(runID)
	if err != nil {
		return nil, nil, err
	}
	return rec, skips, nil
}

// Report writes the archived JSON report of a run to w.
func (a *App) Report(ctx context.Context, runID string, w io.Writer) error {
	return a.backends.Archive.GetReport(ctx, runID, w)
}

// BackupHistory writes a consistent copy of the run history database to dest.
func (a *App) BackupHistory(dest string) error {
	return a.backends.History.BackupTo(dest)
}

// Close releases the database and the log file.
func (a *App) Close() error {
	var result *multierror.Error
	if err := a.backends.History.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing database: %w", err))
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing log file: %w", err))
		}
	}
	return result.ErrorOrNil()
}
