package recipes

import (
	"github.com/danmuck/convergectl/internal/config"
	"github.com/danmuck/convergectl/internal/discovery"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/render"
	"github.com/danmuck/convergectl/internal/resource"
)

const supervisordTemplate = `; managed by convergectl
[unix_http_server]
file={{ .SocketFile }}
chmod=0700
{{- if .InetPort }}

[inet_http_server]
port={{ .InetPort }}
{{- if .InetUsername }}
username={{ .InetUsername }}
password={{ .InetPassword }}
{{- end }}
{{- end }}

[supervisord]
logfile={{ .LogDir }}/supervisord.log
logfile_maxbytes={{ .LogfileMaxbytes }}
logfile_backups={{ .LogfileBackups }}
loglevel={{ .LogLevel }}
pidfile=/var/run/supervisord.pid
minfds={{ .Minfds }}
minprocs={{ .Minprocs }}
childlogdir={{ .LogDir }}

[rpcinterface:supervisor]
supervisor.rpcinterface_factory = supervisor.rpcinterface:make_main_rpcinterface

[supervisorctl]
serverurl=unix://{{ .SocketFile }}

[include]
files = {{ .Dir }}/*.conf
`

// Supervisor installs supervisord, renders its main config, and keeps the
// daemon enabled and running.
func Supervisor(h config.Host, _ discovery.Facts) ([]resource.Resource, error) {
	s := h.Supervisor
	conf, err := render.Template("supervisord.conf", supervisordTemplate, s)
	if err != nil {
		return nil, err
	}
	unit, err := daemon{
		Name:    "supervisor",
		User:    "root",
		Command: "supervisord -n -c " + s.ConfFile,
	}.unit(s.ServiceStyle)
	if err != nil {
		return nil, err
	}
	if s.ServiceStyle == config.StyleSystemd {
		// distribution packages ship the unit
		unit.UnitFile = ""
	}
	svc := serviceID("supervisor")

	return []resource.Resource{
		resource.New("supervisor", resource.InstallSpec{Install: install.Spec{
			ID:       "supervisor",
			Method:   install.MethodPackage,
			Packages: []string{"supervisor"},
		}}),
		resource.New(s.Dir, resource.DirectorySpec{Path: s.Dir, Mode: 0o755, Owner: "root", Group: "root", Recursive: true}),
		resource.New(s.LogDir, resource.DirectorySpec{Path: s.LogDir, Mode: 0o755, Owner: "root", Group: "root", Recursive: true}),
		resource.New(s.ConfFile, resource.FileSpec{Path: s.ConfFile, Content: conf, Mode: 0o644, Owner: "root", Group: "root"}).
			Notify(svc, resource.ActionRestart, resource.Delayed),
		resource.New("supervisor", resource.ServiceSpec{Unit: unit}, resource.ActionEnable, resource.ActionStart),
	}, nil
}
