package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/coord"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/service"
	"github.com/danmuck/convergectl/internal/tools"
)

// maxImmediateDepth bounds chains of immediate notifications.
const maxImmediateDepth = 16

// Observer receives per-action outcomes, typically to feed metrics.
type Observer interface {
	ResourceConverged(kind string, action Action, outcome Outcome, elapsed time.Duration)
	NotificationFired(timing Timing)
}

// StoreOpener connects to the coordination store on first use.
type StoreOpener func(ctx context.Context) (coord.Store, error)

type Config struct {
	Runner    tools.CommandRunner
	Installer *install.Installer
	Services  *service.Controller
	OpenStore StoreOpener
	Observer  Observer
	// DryRun reports what would change without touching the host.
	DryRun bool
	Host   string
	Now    func() time.Time
}

// Engine runs resource lists. Runs are sequential; an Engine must not be
// used for two runs at once.
type Engine struct {
	runner    tools.CommandRunner
	installer *install.Installer
	services  *service.Controller
	openStore StoreOpener
	observer  Observer
	dryRun    bool
	host      string
	now       func() time.Time
}

func NewEngine(cfg Config) *Engine {
	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	services := cfg.Services
	if services == nil {
		services = service.NewController(service.Config{Runner: runner})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		runner:    runner,
		installer: cfg.Installer,
		services:  services,
		openStore: cfg.OpenStore,
		observer:  cfg.Observer,
		dryRun:    cfg.DryRun,
		host:      cfg.Host,
		now:       now,
	}
}

func (e *Engine) DryRun() bool {
	return e.dryRun
}

// Validate checks a resource list as a whole: unique IDs, supported actions,
// and notification targets that exist and accept the requested action.
func Validate(resources []Resource) error {
	index := make(map[string]Resource, len(resources))
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return err
		}
		if _, dup := index[res.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateResource, res.ID)
		}
		index[res.ID] = res
	}
	for _, res := range resources {
		for _, n := range res.Notifies {
			target, ok := index[n.Target]
			if !ok {
				return fmt.Errorf("%w: %s notifies %s", ErrUnknownTarget, res.ID, n.Target)
			}
			if !Accepts(target.Spec, n.Action) {
				return fmt.Errorf("%w: %s cannot %s (notified by %s)", ErrUnsupportedAction, n.Target, n.Action, res.ID)
			}
			switch n.Timing {
			case Delayed, Immediate, "":
			default:
				return fmt.Errorf("%w: %s has notification timing %q", ErrInvalidResource, res.ID, n.Timing)
			}
		}
	}
	return nil
}

type queued struct {
	source string
	note   Notification
}

type queueKey struct {
	target string
	action Action
}

// run is the state of one Engine.Run call.
type run struct {
	e         *Engine
	ctx       context.Context
	resources map[string]Resource
	delayed   []queued
	seen      map[queueKey]struct{}
	report    *Report
	store     coord.Store
	depth     int
}

// Run converges resources in declaration order, then flushes the delayed
// notification queue. Any error that is not ignored by its resource aborts
// the run at once and the queue is dropped.
func (e *Engine) Run(ctx context.Context, resources []Resource) (Report, error) {
	report := Report{Host: e.host, DryRun: e.dryRun, Started: e.now().UTC()}
	finish := func(err error) (Report, error) {
		report.Finished = e.now().UTC()
		if err != nil {
			report.Error = err.Error()
		}
		return report, err
	}

	if err := Validate(resources); err != nil {
		return finish(err)
	}

	r := &run{
		e:         e,
		ctx:       ctx,
		resources: make(map[string]Resource, len(resources)),
		seen:      make(map[queueKey]struct{}),
		report:    &report,
	}
	for _, res := range resources {
		r.resources[res.ID] = res
	}
	defer r.close()

	log.Info().Int("resources", len(resources)).Bool("dry_run", e.dryRun).Msg("converge start")
	for _, res := range resources {
		for _, action := range res.actionList() {
			if err := ctx.Err(); err != nil {
				return finish(err)
			}
			if err := r.converge(res, action, ""); err != nil {
				log.Error().Err(err).Str("resource", res.ID).Msg("converge aborted")
				return finish(err)
			}
		}
	}

	// flushing may queue more delayed notifications; they run in this pass
	for i := 0; i < len(r.delayed); i++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		q := r.delayed[i]
		if err := r.fire(q.source, q.note, Delayed); err != nil {
			log.Error().Err(err).Str("resource", q.note.Target).Msg("delayed notification failed")
			return finish(err)
		}
	}

	log.Info().
		Int("updated", report.Count(OutcomeUpdated)).
		Int("skipped", report.Count(OutcomeSkipped)).
		Int("notifications", len(report.Notifications)).
		Msg("converge done")
	return finish(nil)
}

func (r *run) close() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		log.Warn().Err(err).Msg("coordination store close failed")
	}
}

func (r *run) fire(source string, note Notification, timing Timing) error {
	target := r.resources[note.Target]
	r.report.Notifications = append(r.report.Notifications, Fired{
		Source: source,
		Target: note.Target,
		Action: note.Action,
		Timing: timing,
	})
	if r.e.observer != nil {
		r.e.observer.NotificationFired(timing)
	}
	log.Info().Str("resource", note.Target).Str("action", string(note.Action)).Str("from", source).Str("timing", string(timing)).Msg("notification")
	return r.converge(target, note.Action, timing)
}

func (r *run) converge(res Resource, action Action, trigger Timing) error {
	if action == ActionNothing {
		return nil
	}
	start := r.e.now()
	result := Result{ID: res.ID, Action: action, Trigger: trigger}
	record := func(outcome Outcome) {
		elapsed := r.e.now().Sub(start)
		result.Outcome = outcome
		result.DurationMS = elapsed.Milliseconds()
		r.report.Results = append(r.report.Results, result)
		if r.e.observer != nil {
			r.e.observer.ResourceConverged(res.Spec.Kind(), action, outcome, elapsed)
		}
	}

	skip, reason, err := guard(res)
	if err != nil {
		result.Error = err.Error()
		record(OutcomeFailed)
		return fmt.Errorf("%s guard: %w", res.ID, err)
	}
	if skip {
		result.Reason = reason
		log.Debug().Str("resource", res.ID).Str("action", string(action)).Str("reason", reason).Msg("skipped by guard")
		record(OutcomeSkipped)
		return nil
	}

	updated, err := r.apply(res, action)
	if err != nil {
		result.Error = err.Error()
		record(OutcomeFailed)
		if res.IgnoreFailure {
			log.Warn().Err(err).Str("resource", res.ID).Str("action", string(action)).Msg("action failed, continuing")
			return nil
		}
		return fmt.Errorf("%s %s: %w", res.ID, action, err)
	}
	if !updated {
		record(OutcomeUpToDate)
		log.Debug().Str("resource", res.ID).Str("action", string(action)).Bool("updated", false).Msg("converged")
		return nil
	}
	record(OutcomeUpdated)
	log.Info().Str("resource", res.ID).Str("action", string(action)).Bool("updated", true).Bool("dry_run", r.e.dryRun).Msg("converged")

	for _, note := range res.Notifies {
		if note.Timing == Immediate {
			if r.depth >= maxImmediateDepth {
				return fmt.Errorf("%w: %s -> %s", ErrNotificationLoop, res.ID, note.Target)
			}
			r.depth++
			err := r.fire(res.ID, note, Immediate)
			r.depth--
			if err != nil {
				return err
			}
			continue
		}
		key := queueKey{target: note.Target, action: note.Action}
		if _, ok := r.seen[key]; ok {
			continue
		}
		r.seen[key] = struct{}{}
		r.delayed = append(r.delayed, queued{source: res.ID, note: note})
	}
	return nil
}

func guard(res Resource) (bool, string, error) {
	if res.NotIf != nil {
		hit, err := res.NotIf()
		if err != nil {
			return false, "", err
		}
		if hit {
			return true, "not_if", nil
		}
	}
	if res.OnlyIf != nil {
		ok, err := res.OnlyIf()
		if err != nil {
			return false, "", err
		}
		if !ok {
			return true, "only_if", nil
		}
	}
	return false, "", nil
}

func (r *run) apply(res Resource, action Action) (bool, error) {
	switch spec := res.Spec.(type) {
	case UserSpec:
		return r.user(spec)
	case GroupSpec:
		return r.group(spec)
	case DirectorySpec:
		return r.directory(spec, action)
	case LinkSpec:
		return r.link(spec, action)
	case FileSpec:
		return r.file(spec, action)
	case RemoteFileSpec:
		return r.remoteFile(spec, action)
	case ExecuteSpec:
		return r.execute(spec)
	case InstallSpec:
		return r.install(spec)
	case ServiceSpec:
		return r.service(spec.Unit, action)
	case SupervisorProgramSpec:
		return r.service(service.Unit{Name: spec.Name, Style: config.StyleSupervisor, Program: spec.Program}, action)
	case CoordNodeSpec:
		return r.coordNode(spec, action)
	case HostsEntrySpec:
		return r.hostsEntry(spec)
	default:
		return false, fmt.Errorf("%w: unhandled spec %T", ErrInvalidResource, res.Spec)
	}
}

func (r *run) install(spec InstallSpec) (bool, error) {
	if r.e.installer == nil {
		return false, fmt.Errorf("%w: installer", ErrMissingCollaborator)
	}
	if r.e.dryRun {
		installed, err := r.e.installer.Installed(spec.Install)
		return !installed, err
	}
	return r.e.installer.Install(r.ctx, spec.Install)
}

func (r *run) service(unit service.Unit, action Action) (bool, error) {
	svcAction, err := service.ParseAction(string(action))
	if err != nil {
		return false, err
	}
	if r.e.dryRun {
		log.Info().Str("service", unit.Name).Str("action", string(action)).Msg("dry run, service untouched")
		return svcAction != service.ActionStatus, nil
	}
	return r.e.services.Apply(r.ctx, unit, svcAction)
}

func (r *run) storeConn() (coord.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	if r.e.openStore == nil {
		return nil, fmt.Errorf("%w: coordination store", ErrMissingCollaborator)
	}
	store, err := r.e.openStore(r.ctx)
	if err != nil {
		return nil, err
	}
	r.store = store
	return store, nil
}

func (r *run) coordNode(spec CoordNodeSpec, action Action) (bool, error) {
	path := strings.TrimSpace(spec.Path)
	if err := coord.ValidatePath(path); err != nil {
		return false, err
	}
	store, err := r.storeConn()
	if err != nil {
		return false, err
	}
	switch action {
	case ActionCreate:
		changed, err := coord.Changed(r.ctx, store, path, spec.Data)
		if err != nil || !changed || r.e.dryRun {
			return changed, err
		}
		return true, coord.Upsert(r.ctx, store, path, spec.Data)
	case ActionCreateIfMissing:
		if r.e.dryRun {
			exists, err := store.Exists(r.ctx, path)
			return !exists, err
		}
		return coord.CreateIfMissing(r.ctx, store, path, spec.Data)
	case ActionDelete:
		if r.e.dryRun {
			exists, err := store.Exists(r.ctx, path)
			if err == nil && !exists {
				err = fmt.Errorf("%w: %s", coord.ErrNodeNotFound, path)
			}
			return exists, err
		}
		if err := coord.Delete(r.ctx, store, path); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: coord_node cannot %s", ErrUnsupportedAction, action)
}

// Shared returns an opener that hands out store without closing it at the
// end of the run; the caller owns the connection.
func Shared(store coord.Store) StoreOpener {
	return func(context.Context) (coord.Store, error) {
		if store == nil {
			return nil, errors.New("resource: nil store")
		}
		return nopCloser{store}, nil
	}
}

type nopCloser struct {
	coord.Store
}

func (nopCloser) Close() error { return nil }
