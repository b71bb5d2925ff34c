// Package agent re-converges the host on an interval and serialises runs
// triggered by the timer and by the admin plane.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/report"
	"github.com/danmuck/convergectl/internal/resource"
)

var ErrBusy = errors.New("agent: run in progress")

// RunFunc performs one convergence run.
type RunFunc func(ctx context.Context) (resource.Report, error)

type Config struct {
	Host     string
	Interval time.Duration
	// ReportDir, when set, receives last-run.toml after every run.
	ReportDir string
	Run       RunFunc
}

type Agent struct {
	host      string
	interval  time.Duration
	reportDir string
	run       RunFunc
	logger    zerolog.Logger

	busy     atomic.Bool
	inflight sync.WaitGroup

	mu   sync.RWMutex
	last *resource.Report
}

// New builds an agent. A report left by an earlier process is loaded so
// GET /runs/last has something to show before the first run.
func New(cfg Config) *Agent {
	a := &Agent{
		host:      cfg.Host,
		interval:  cfg.Interval,
		reportDir: cfg.ReportDir,
		run:       cfg.Run,
		logger:    observability.Component("agent", cfg.Host),
	}
	if a.reportDir != "" {
		if prev, err := report.Load(report.Path(a.reportDir)); err == nil {
			a.last = &prev
		} else if !errors.Is(err, report.ErrNoReport) {
			a.logger.Warn().Err(err).Msg("previous report unreadable")
		}
	}
	return a
}

// Busy reports whether a run is in progress.
func (a *Agent) Busy() bool {
	return a.busy.Load()
}

// Last returns the most recent report.
func (a *Agent) Last() (resource.Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return resource.Report{}, false
	}
	return *a.last, true
}

// Ready is true once a run has finished without error.
func (a *Agent) Ready() bool {
	last, ok := a.Last()
	return ok && last.Succeeded()
}

// Trigger runs now and waits for the result. It returns ErrBusy without
// running when another run holds the flag.
func (a *Agent) Trigger(ctx context.Context) (resource.Report, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return resource.Report{}, ErrBusy
	}
	a.inflight.Add(1)
	defer a.inflight.Done()
	return a.converge(ctx)
}

// Start claims the run flag and converges in the background.
func (a *Agent) Start(ctx context.Context) error {
	if !a.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		_, _ = a.converge(ctx)
	}()
	return nil
}

// Wait blocks until background runs started with Start have returned.
func (a *Agent) Wait() {
	a.inflight.Wait()
}

// converge runs once; the caller holds the busy flag.
func (a *Agent) converge(ctx context.Context) (resource.Report, error) {
	defer a.busy.Store(false)

	r, err := a.run(ctx)
	if r.Started.IsZero() && err != nil {
		// failed before the engine started, e.g. config or discovery
		now := time.Now()
		r = resource.Report{Host: a.host, Started: now, Finished: now, Error: err.Error()}
	}
	observability.RecordRun(r)

	a.mu.Lock()
	a.last = &r
	a.mu.Unlock()

	if a.reportDir != "" {
		if saveErr := report.Save(a.reportDir, r); saveErr != nil {
			a.logger.Error().Err(saveErr).Msg("report save failed")
		}
	}

	event := a.logger.Info()
	if err != nil {
		event = a.logger.Error().Err(err)
	}
	event.
		Int("updated", r.Count(resource.OutcomeUpdated)).
		Int("failed", r.Count(resource.OutcomeFailed)).
		Dur("took", r.Finished.Sub(r.Started)).
		Msg("convergence run finished")
	return r, err
}

// Loop runs immediately and then every interval until ctx is done. Ticks
// that land while a run is in progress are dropped.
func (a *Agent) Loop(ctx context.Context) error {
	if a.interval <= 0 {
		return errors.New("agent: interval must be positive")
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	defer a.Wait()

	for {
		if _, err := a.Trigger(ctx); errors.Is(err, ErrBusy) {
			a.logger.Debug().Msg("tick skipped, run in progress")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
