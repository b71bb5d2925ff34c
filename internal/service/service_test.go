package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/convergectl/internal/testutil/fakerun"
	"github.com/danmuck/convergectl/internal/testutil/testlog"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	return Paths{
		SvDir:         filepath.Join(root, "etc", "sv"),
		ServiceDir:    filepath.Join(root, "etc", "service"),
		RunitLogDir:   filepath.Join(root, "var", "log"),
		InitDir:       filepath.Join(root, "etc", "init"),
		DefaultDir:    filepath.Join(root, "etc", "default"),
		SystemdDir:    filepath.Join(root, "etc", "systemd", "system"),
		SupervisorDir: filepath.Join(root, "etc", "supervisor.d"),
	}
}

func newTestController(t *testing.T, runner *fakerun.Runner) (*Controller, Paths) {
	t.Helper()
	paths := testPaths(t)
	return NewController(Config{
		Runner:       runner,
		Paths:        paths,
		WaitTries:    3,
		WaitInterval: time.Millisecond,
	}), paths
}

func TestRunitEnableLaysOutServiceOnce(t *testing.T) {
	testlog.Start(t)
	runner := fakerun.New()
	ctl, paths := newTestController(t, runner)
	unit := Unit{
		Name:          "zookeeper",
		Style:         "runit",
		RunScript:     "#!/bin/sh\nexec /opt/zookeeper/zookeeper-3.4.6/bin/zkServer.sh start-foreground\n",
		DefaultLogger: true,
	}

	changed, err := ctl.Apply(context.Background(), unit, ActionEnable)
	if err != nil || !changed {
		t.Fatalf("enable: changed=%v err=%v", changed, err)
	}
	target, err := os.Readlink(filepath.Join(paths.ServiceDir, "zookeeper"))
	if err != nil || target != filepath.Join(paths.SvDir, "zookeeper") {
		t.Fatalf("unexpected service link %q: %v", target, err)
	}
	logRun, err := os.ReadFile(filepath.Join(paths.SvDir, "zookeeper", "log", "run"))
	if err != nil || !strings.Contains(string(logRun), "svlogd -tt") {
		t.Fatalf("unexpected log/run: %q %v", logRun, err)
	}

	changed, err = ctl.Apply(context.Background(), unit, ActionEnable)
	if err != nil || changed {
		t.Fatalf("second enable should be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestRunitStartSkipsWhenRunning(t *testing.T) {
	runner := fakerun.New().On("sv status zookeeper", fakerun.Result{Stdout: "run: zookeeper: (pid 12) 40s\n"})
	ctl, _ := newTestController(t, runner)
	changed, err := ctl.Apply(context.Background(), Unit{Name: "zookeeper", Style: "runit"}, ActionStart)
	if err != nil || changed {
		t.Fatalf("expected no-op start: %v %v", changed, err)
	}
	if runner.Count("sv start") != 0 {
		t.Fatalf("unexpected start: %v", runner.Lines())
	}
}

func TestUpstartEnableAndRestart(t *testing.T) {
	runner := fakerun.New().On("initctl status kafka", fakerun.Result{Stdout: "kafka start/running, process 99\n"})
	ctl, paths := newTestController(t, runner)
	unit := Unit{Name: "kafka", Style: "upstart", InitConf: "exec /usr/local/kafka/bin/kafka-server-start.sh\n", Defaults: "KAFKA_HEAP_OPTS=\"-Xmx512M\"\n"}

	changed, err := ctl.Apply(context.Background(), unit, ActionEnable)
	if err != nil || !changed {
		t.Fatalf("enable: %v %v", changed, err)
	}
	if _, err := os.Stat(filepath.Join(paths.InitDir, "kafka.conf")); err != nil {
		t.Fatalf("expected init conf: %v", err)
	}
	if _, err := os.Stat(filepath.Join(paths.DefaultDir, "kafka")); err != nil {
		t.Fatalf("expected defaults file: %v", err)
	}

	if _, err := ctl.Apply(context.Background(), unit, ActionRestart); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if runner.Count("initctl restart kafka") != 1 {
		t.Fatalf("expected initctl restart, got %v", runner.Lines())
	}
}

func TestSystemdStartAndEnable(t *testing.T) {
	runner := fakerun.New().
		On("systemctl is-active supervisor", fakerun.Result{ExitCode: 3, Err: errors.New("inactive")}).
		On("systemctl is-enabled supervisor", fakerun.Result{Stdout: "enabled\n"})
	ctl, _ := newTestController(t, runner)
	unit := Unit{Name: "supervisor", Style: "systemd"}

	changed, err := ctl.Apply(context.Background(), unit, ActionStart)
	if err != nil || !changed {
		t.Fatalf("start: %v %v", changed, err)
	}
	changed, err = ctl.Apply(context.Background(), unit, ActionEnable)
	if err != nil || changed {
		t.Fatalf("enable of an enabled unit should be a no-op: %v %v", changed, err)
	}
	if runner.Count("systemctl start supervisor") != 1 || runner.Count("systemctl enable") != 0 {
		t.Fatalf("unexpected commands: %v", runner.Lines())
	}
}

func TestSupervisorEnableUpdatesOnlyOnChange(t *testing.T) {
	testlog.Start(t)
	runner := fakerun.New()
	ctl, paths := newTestController(t, runner)
	unit := Unit{
		Name:  "storm-nimbus",
		Style: "supervisor",
		Program: Program{
			Command:     "/opt/storm/current/bin/storm nimbus",
			Directory:   "/opt/storm/current",
			User:        "storm",
			Autostart:   true,
			Environment: map[string]string{"STORM_HOME": "/opt/storm/current"},
		},
	}

	for i := 0; i < 2; i++ {
		if _, err := ctl.Apply(context.Background(), unit, ActionEnable); err != nil {
			t.Fatalf("enable %d: %v", i, err)
		}
	}
	if runner.Count("supervisorctl update") != 1 {
		t.Fatalf("expected one update, got %v", runner.Lines())
	}
	body, err := os.ReadFile(filepath.Join(paths.SupervisorDir, "storm-nimbus.conf"))
	if err != nil {
		t.Fatalf("read program: %v", err)
	}
	for _, want := range []string{"[program:storm-nimbus]", "user=storm", `environment=STORM_HOME="/opt/storm/current"`, "process_name=%(program_name)s"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("program file missing %q:\n%s", want, body)
		}
	}

	unit.Program.User = "root"
	changed, err := ctl.Apply(context.Background(), unit, ActionEnable)
	if err != nil || !changed {
		t.Fatalf("changed program: %v %v", changed, err)
	}
	if runner.Count("supervisorctl update") != 2 {
		t.Fatalf("expected a second update after change, got %v", runner.Lines())
	}
}

func TestSupervisorStartStates(t *testing.T) {
	ctx := context.Background()
	unit := Unit{Name: "storm-ui", Style: "supervisor", Program: Program{Command: "storm ui"}}

	unavailable := fakerun.New().On("supervisorctl status", fakerun.Result{Stdout: "other RUNNING pid 1, uptime 0:01:00\n"})
	ctl, _ := newTestController(t, unavailable)
	if _, err := ctl.Apply(ctx, unit, ActionStart); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	running := fakerun.New().On("supervisorctl status", fakerun.Result{Stdout: "storm-ui RUNNING pid 7, uptime 1:00:00\n"})
	ctl, _ = newTestController(t, running)
	changed, err := ctl.Apply(ctx, unit, ActionStart)
	if err != nil || changed {
		t.Fatalf("running program start should be a no-op: %v %v", changed, err)
	}

	stopped := fakerun.New().On("supervisorctl status", fakerun.Result{Stdout: "storm-ui STOPPED Jan 01 12:00 AM\n"})
	ctl, _ = newTestController(t, stopped)
	changed, err = ctl.Apply(ctx, unit, ActionStart)
	if err != nil || !changed {
		t.Fatalf("stopped program should start: %v %v", changed, err)
	}
	if stopped.Count("supervisorctl start storm-ui") != 1 {
		t.Fatalf("expected start, got %v", stopped.Lines())
	}

	errored := fakerun.New().
		On("supervisorctl status", fakerun.Result{Stdout: "storm-ui STOPPED\n"}).
		On("supervisorctl start", fakerun.Result{Stdout: "storm-ui: ERROR (spawn error)\n"})
	ctl, _ = newTestController(t, errored)
	if _, err := ctl.Apply(ctx, unit, ActionStart); !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected command failure on ERROR output, got %v", err)
	}
}

func TestSupervisorWaitsForTransition(t *testing.T) {
	runner := fakerun.New()
	runner.Queue = []fakerun.Result{
		{Stdout: "storm-ui STARTING\n"},
		{Stdout: "storm-ui STARTING\n"},
		{Stdout: "storm-ui RUNNING pid 3\n"},
	}
	ctl, _ := newTestController(t, runner)
	unit := Unit{Name: "storm-ui", Style: "supervisor", Program: Program{Command: "storm ui"}}
	if _, err := ctl.Apply(context.Background(), unit, ActionStart); err != nil {
		t.Fatalf("expected wait to succeed: %v", err)
	}

	stuck := fakerun.New().On("supervisorctl status", fakerun.Result{Stdout: "storm-ui STOPPING\n"})
	ctl, _ = newTestController(t, stuck)
	if _, err := ctl.Apply(context.Background(), unit, ActionStop); !errors.Is(err, ErrStateTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if stuck.Count("supervisorctl status") != 4 {
		t.Fatalf("expected initial probe plus three tries, got %v", stuck.Lines())
	}
}

func TestParseState(t *testing.T) {
	out := "kafka:kafka_00 RUNNING pid 1\nstorm-ui STOPPED\n"
	if got := ParseState(out, "kafka"); got != StateRunning {
		t.Fatalf("expected RUNNING for grouped process, got %s", got)
	}
	if got := ParseState(out, "storm"); got != StateUnavailable {
		t.Fatalf("prefix must not match a different program, got %s", got)
	}
}

func TestUnknownAndExhibitorStylesDoNothing(t *testing.T) {
	runner := fakerun.New()
	ctl, _ := newTestController(t, runner)
	for _, style := range []string{"exhibitor", "daemontools"} {
		changed, err := ctl.Apply(context.Background(), Unit{Name: "zookeeper", Style: style}, ActionStart)
		if err != nil || changed {
			t.Fatalf("%s: expected no-op, got %v %v", style, changed, err)
		}
	}
	if len(runner.Lines()) != 0 {
		t.Fatalf("expected no commands, got %v", runner.Lines())
	}
	if _, err := ctl.Apply(context.Background(), Unit{Name: "x", Style: "runit"}, "explode"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
}
