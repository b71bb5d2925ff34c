package service

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/tools"
)

// Supervisor program states as printed by `supervisorctl status`.
const (
	StateUnavailable = "UNAVAILABLE"
	StateRunning     = "RUNNING"
	StateStarting    = "STARTING"
	StateStopped     = "STOPPED"
	StateStopping    = "STOPPING"
)

const defaultProcessName = "%(program_name)s"

// Program is a supervisord [program:x] section.
type Program struct {
	Command       string
	Directory     string
	User          string
	ProcessName   string
	NumProcs      int
	Autostart     bool
	Autorestart   string
	StartSecs     int
	StopSignal    string
	StdoutLogfile string
	StderrLogfile string
	Environment   map[string]string
}

const programTemplate = `[program:{{ .Name }}]
command={{ .Program.Command }}
process_name={{ .ProcessName }}
numprocs={{ .NumProcs }}
{{- if .Program.Directory }}
directory={{ .Program.Directory }}
{{- end }}
{{- if .Program.User }}
user={{ .Program.User }}
{{- end }}
autostart={{ .Program.Autostart }}
autorestart={{ .Autorestart }}
startsecs={{ .Program.StartSecs }}
{{- if .Program.StopSignal }}
stopsignal={{ .Program.StopSignal }}
{{- end }}
{{- if .Program.StdoutLogfile }}
stdout_logfile={{ .Program.StdoutLogfile }}
{{- end }}
{{- if .Program.StderrLogfile }}
stderr_logfile={{ .Program.StderrLogfile }}
{{- end }}
{{- if .Environment }}
environment={{ .Environment }}
{{- end }}
`

// RenderProgram returns the program section for name.
func RenderProgram(name string, p Program) ([]byte, error) {
	if strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("%w: supervisor program %s has no command", ErrInvalidUnit, name)
	}
	processName := p.ProcessName
	if processName == "" {
		processName = defaultProcessName
	}
	numProcs := p.NumProcs
	if numProcs <= 0 {
		numProcs = 1
	}
	autorestart := p.Autorestart
	if autorestart == "" {
		autorestart = "unexpected"
	}
	keys := make([]string, 0, len(p.Environment))
	for k := range p.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%q", k, p.Environment[k]))
	}

	return render.Template("program", programTemplate, map[string]any{
		"Name":        name,
		"Program":     p,
		"ProcessName": processName,
		"NumProcs":    numProcs,
		"Autorestart": autorestart,
		"Environment": strings.Join(env, ","),
	})
}

func statePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(name) + `(:\S+)?\s+([A-Z]+)(.*)$`)
}

// ParseState extracts name's state from `supervisorctl status` output.
func ParseState(output string, name string) string {
	m := statePattern(name).FindStringSubmatch(output)
	if m == nil {
		return StateUnavailable
	}
	return m[2]
}

func (c *Controller) supervisorState(name string) string {
	out, _ := c.probe("supervisorctl", "status")
	return ParseState(out, name)
}

func (c *Controller) supervisor(ctx context.Context, unit Unit, action Action) (bool, error) {
	name := unit.Name
	switch action {
	case ActionEnable:
		return c.supervisorEnable(unit)
	case ActionDisable:
		if c.supervisorState(name) == StateUnavailable {
			log.Info().Str("service", name).Msg("supervisor program already disabled")
			return false, nil
		}
		removed, err := tools.RemovePath(c.programPath(name))
		if err != nil {
			return false, err
		}
		if _, err := c.run("supervisorctl", "update"); err != nil {
			return removed, err
		}
		return true, nil
	case ActionStart:
		switch state := c.supervisorState(name); state {
		case StateUnavailable:
			return false, fmt.Errorf("%w: %s cannot be started because it does not exist", ErrUnavailable, name)
		case StateRunning:
			return false, nil
		case StateStarting:
			return false, c.waitState(ctx, name, StateRunning)
		}
		return c.supervisorctl(unit, "start")
	case ActionStop:
		switch state := c.supervisorState(name); state {
		case StateUnavailable:
			return false, fmt.Errorf("%w: %s cannot be stopped because it does not exist", ErrUnavailable, name)
		case StateStopped:
			return false, nil
		case StateStopping:
			return false, c.waitState(ctx, name, StateStopped)
		}
		return c.supervisorctl(unit, "stop")
	case ActionRestart, ActionReload:
		if c.supervisorState(name) == StateUnavailable {
			return false, fmt.Errorf("%w: %s cannot be restarted because it does not exist", ErrUnavailable, name)
		}
		return c.supervisorctl(unit, "restart")
	case ActionStatus:
		log.Info().Str("service", name).Str("state", c.supervisorState(name)).Msg("supervisor program status")
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// supervisorEnable writes the program file and runs `supervisorctl update`
// only when the file changed.
func (c *Controller) supervisorEnable(unit Unit) (bool, error) {
	body, err := RenderProgram(unit.Name, unit.Program)
	if err != nil {
		return false, err
	}
	changed, err := writeScript(c.programPath(unit.Name), string(body), 0o644)
	if err != nil || !changed {
		return changed, err
	}
	if _, err := c.run("supervisorctl", "update"); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Controller) programPath(name string) string {
	return filepath.Join(c.paths.SupervisorDir, name+".conf")
}

// supervisorctl fails when the command fails or prints ERROR.
func (c *Controller) supervisorctl(unit Unit, verb string) (bool, error) {
	target := unit.Name
	if pn := unit.Program.ProcessName; pn != "" && pn != defaultProcessName {
		target += ":*"
	}
	out, err := c.run("supervisorctl", verb, target)
	if err != nil {
		return false, err
	}
	if strings.Contains(out, "ERROR") {
		return false, fmt.Errorf("%w: supervisorctl %s %s: %s", ErrCommandFailed, verb, target, strings.TrimSpace(out))
	}
	return true, nil
}

func (c *Controller) waitState(ctx context.Context, name string, want string) error {
	for i := 0; i < c.waitTries; i++ {
		if c.supervisorState(name) == want {
			return nil
		}
		log.Debug().Str("service", name).Str("want", want).Msg("waiting for supervisor program state")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.waitInterval):
		}
	}
	return fmt.Errorf("%w: %s not %s after %d tries", ErrStateTimeout, name, want, c.waitTries)
}
