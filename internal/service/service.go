// Package service converges init-system state for one named unit. Each style
// maps the common actions onto its own control tool.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/tools"
)

var (
	ErrUnknownAction = errors.New("service: unknown action")
	ErrCommandFailed = errors.New("service: command failed")
	ErrUnavailable   = errors.New("service: program unavailable")
	ErrStateTimeout  = errors.New("service: state not reached")
	ErrInvalidUnit   = errors.New("service: invalid unit")
)

type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionStatus  Action = "status"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionEnable, ActionDisable, ActionStart, ActionStop, ActionRestart, ActionReload, ActionStatus:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// Unit is the desired definition of one service. Only the fields of the
// selected Style are read.
type Unit struct {
	Name  string
	Style string

	// runit
	RunScript     string
	DefaultLogger bool

	// upstart
	InitConf string
	Defaults string

	// systemd; empty UnitFile means the package ships one
	UnitFile string

	// supervisor
	Program Program
}

// Paths locates the init-system directories.
type Paths struct {
	SvDir         string
	ServiceDir    string
	RunitLogDir   string
	InitDir       string
	DefaultDir    string
	SystemdDir    string
	SupervisorDir string
}

func DefaultPaths() Paths {
	return Paths{
		SvDir:         "/etc/sv",
		ServiceDir:    "/etc/service",
		RunitLogDir:   "/var/log",
		InitDir:       "/etc/init",
		DefaultDir:    "/etc/default",
		SystemdDir:    "/etc/systemd/system",
		SupervisorDir: "/etc/supervisor.d",
	}
}

type Config struct {
	Runner tools.CommandRunner
	Paths  Paths
	// WaitTries and WaitInterval bound the supervisor transition wait.
	WaitTries    int
	WaitInterval time.Duration
}

// Controller applies service actions. It holds no per-unit state.
type Controller struct {
	runner       tools.CommandRunner
	paths        Paths
	waitTries    int
	waitInterval time.Duration
}

func NewController(cfg Config) *Controller {
	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	paths := cfg.Paths
	defaults := DefaultPaths()
	paths.SvDir = orDefault(paths.SvDir, defaults.SvDir)
	paths.ServiceDir = orDefault(paths.ServiceDir, defaults.ServiceDir)
	paths.RunitLogDir = orDefault(paths.RunitLogDir, defaults.RunitLogDir)
	paths.InitDir = orDefault(paths.InitDir, defaults.InitDir)
	paths.DefaultDir = orDefault(paths.DefaultDir, defaults.DefaultDir)
	paths.SystemdDir = orDefault(paths.SystemdDir, defaults.SystemdDir)
	paths.SupervisorDir = orDefault(paths.SupervisorDir, defaults.SupervisorDir)

	tries := cfg.WaitTries
	if tries <= 0 {
		tries = 20
	}
	interval := cfg.WaitInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Controller{runner: runner, paths: paths, waitTries: tries, waitInterval: interval}
}

// Apply runs action for unit and reports whether the host changed. Unknown
// styles log a warning and change nothing.
func (c *Controller) Apply(ctx context.Context, unit Unit, action Action) (bool, error) {
	name := strings.TrimSpace(unit.Name)
	if name == "" {
		return false, fmt.Errorf("%w: missing name", ErrInvalidUnit)
	}
	if _, err := ParseAction(string(action)); err != nil {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(unit.Style)) {
	case config.StyleRunit:
		return c.runit(unit, action)
	case config.StyleUpstart:
		return c.upstart(unit, action)
	case config.StyleSystemd:
		return c.systemd(unit, action)
	case config.StyleSupervisor:
		return c.supervisor(ctx, unit, action)
	case config.StyleExhibitor:
		log.Info().Str("service", name).Str("action", string(action)).Msg("exhibitor manages the process, nothing to do")
		return false, nil
	default:
		log.Warn().Str("service", name).Str("style", unit.Style).Msg("unknown service style, continuing without action")
		return false, nil
	}
}

// run executes a control command, treating any failure as ErrCommandFailed.
func (c *Controller) run(name string, args ...string) (string, error) {
	log.Debug().Str("cmd", name).Strs("args", args).Msg("service exec")
	out, err := tools.Exec(c.runner, name, args...)
	if err != nil {
		return string(out), fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
	return string(out), nil
}

// probe runs a query command whose exit status is the answer.
func (c *Controller) probe(name string, args ...string) (string, bool) {
	stdout, _, _, err := c.runner.Run(name, args...)
	return string(stdout), err == nil
}

func writeScript(path string, content string, mode os.FileMode) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return tools.EnsureFile(path, []byte(content), mode, tools.Ownership{})
}

func orDefault(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
