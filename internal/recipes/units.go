package recipes

import (
	"sort"
	"strings"

	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/service"
)

// daemon is a long-running process expressed once and mapped onto whichever
// init style the host config selects.
type daemon struct {
	Name        string
	User        string
	Directory   string
	Command     string
	Environment map[string]string
	// DefaultLogger adds a runit svlogd logger.
	DefaultLogger bool
}

const runitTemplate = `#!/bin/sh
exec 2>&1
{{- range .Env }}
export {{ . }}
{{- end }}
{{- if .Daemon.Directory }}
cd {{ .Daemon.Directory }}
{{- end }}
exec chpst -u {{ .Daemon.User }} {{ .Daemon.Command }}
`

const upstartTemplate = `description "{{ .Daemon.Name }}"

start on runlevel [2345]
stop on runlevel [!2345]

respawn
respawn limit 2 5

setuid {{ .Daemon.User }}
{{- if .Daemon.Directory }}
chdir {{ .Daemon.Directory }}
{{- end }}

script
  [ -r /etc/default/{{ .Daemon.Name }} ] && . /etc/default/{{ .Daemon.Name }}
  exec {{ .Daemon.Command }}
end script
`

const defaultsTemplate = `{{- range .Env }}
{{ . }}
{{- end }}
`

const systemdTemplate = `[Unit]
Description={{ .Daemon.Name }}
After=network.target

[Service]
User={{ .Daemon.User }}
{{- if .Daemon.Directory }}
WorkingDirectory={{ .Daemon.Directory }}
{{- end }}
{{- range .Env }}
Environment={{ . }}
{{- end }}
ExecStart={{ .Daemon.Command }}
Restart=on-failure

[Install]
WantedBy=multi-user.target
`

// unit renders the daemon for style. Exhibitor and unknown styles pass
// through untouched; the service controller logs and skips them.
func (d daemon) unit(style string) (service.Unit, error) {
	style = strings.ToLower(strings.TrimSpace(style))
	unit := service.Unit{Name: d.Name, Style: style}
	data := map[string]any{"Daemon": d, "Env": envPairs(d.Environment)}

	switch style {
	case config.StyleRunit:
		body, err := render.Template(d.Name+"-run", runitTemplate, data)
		if err != nil {
			return unit, err
		}
		unit.RunScript = string(body)
		unit.DefaultLogger = d.DefaultLogger
	case config.StyleUpstart:
		body, err := render.Template(d.Name+"-upstart", upstartTemplate, data)
		if err != nil {
			return unit, err
		}
		unit.InitConf = string(body)
		if len(d.Environment) > 0 {
			env, err := render.Template(d.Name+"-defaults", defaultsTemplate, data)
			if err != nil {
				return unit, err
			}
			unit.Defaults = strings.TrimLeft(string(env), "\n")
		}
	case config.StyleSystemd:
		body, err := render.Template(d.Name+"-systemd", systemdTemplate, data)
		if err != nil {
			return unit, err
		}
		unit.UnitFile = string(body)
	case config.StyleSupervisor:
		unit.Program = service.Program{
			Command:     d.Command,
			Directory:   d.Directory,
			User:        d.User,
			Autostart:   true,
			Autorestart: "true",
			Environment: d.Environment,
		}
	}
	return unit, nil
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"=\""+env[k]+"\"")
	}
	return out
}
