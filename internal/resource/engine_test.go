package resource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/convergectl/internal/coord"
	"github.com/danmuck/convergectl/internal/coord/memstore"
	"github.com/danmuck/convergectl/internal/install"
	"github.com/danmuck/convergectl/internal/service"
	"github.com/danmuck/convergectl/internal/testutil/fakerun"
	"github.com/danmuck/convergectl/internal/testutil/testlog"
)

type countingFetcher struct {
	calls int
}

func (f *countingFetcher) Fetch(ctx context.Context, url string, dest string) error {
	f.calls++
	return os.WriteFile(dest, []byte("archive"), 0o644)
}

type recordingObserver struct {
	outcomes []Outcome
	fired    []Timing
}

func (o *recordingObserver) ResourceConverged(kind string, action Action, outcome Outcome, elapsed time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) NotificationFired(timing Timing) {
	o.fired = append(o.fired, timing)
}

func newTestEngine(t *testing.T, runner *fakerun.Runner, cfg Config) *Engine {
	t.Helper()
	root := t.TempDir()
	cfg.Runner = runner
	cfg.Services = service.NewController(service.Config{
		Runner: runner,
		Paths: service.Paths{
			SvDir:         filepath.Join(root, "sv"),
			ServiceDir:    filepath.Join(root, "service"),
			RunitLogDir:   filepath.Join(root, "log"),
			InitDir:       filepath.Join(root, "init"),
			DefaultDir:    filepath.Join(root, "default"),
			SystemdDir:    filepath.Join(root, "systemd"),
			SupervisorDir: filepath.Join(root, "supervisor.d"),
		},
		WaitTries:    1,
		WaitInterval: time.Millisecond,
	})
	return NewEngine(cfg)
}

func kafkaService() Resource {
	return New("kafka", ServiceSpec{Unit: service.Unit{Name: "kafka", Style: "upstart"}}, ActionNothing)
}

func indexOf(lines []string, prefix string) int {
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}

func TestDelayedNotificationFiresOnceAfterAllResources(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	runner := fakerun.New().On("initctl status kafka", fakerun.Result{Stdout: "kafka start/running, process 1\n"})
	engine := newTestEngine(t, runner, Config{})

	resources := []Resource{
		kafkaService(),
		New("server.properties", FileSpec{Path: filepath.Join(dir, "server.properties"), Content: []byte("broker.id=0\n")}).
			Notify("service[kafka]", ActionRestart, Delayed),
		New("log4j.properties", FileSpec{Path: filepath.Join(dir, "log4j.properties"), Content: []byte("log4j.rootLogger=INFO\n")}).
			Notify("service[kafka]", ActionRestart, Delayed),
		New("after", ExecuteSpec{Command: "echo", Args: []string{"after"}}),
	}

	report, err := engine.Run(context.Background(), resources)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := runner.Lines()
	if got := runner.Count("initctl restart kafka"); got != 1 {
		t.Fatalf("expected exactly one restart, got %d: %v", got, lines)
	}
	if indexOf(lines, "echo after") > indexOf(lines, "initctl restart kafka") {
		t.Fatalf("delayed restart ran before the last resource: %v", lines)
	}
	if len(report.Notifications) != 1 || report.Notifications[0].Timing != Delayed {
		t.Fatalf("unexpected notifications: %+v", report.Notifications)
	}
	if report.Count(OutcomeUpdated) != 4 {
		t.Fatalf("expected 4 updated results (2 files, execute, restart), got %+v", report.Results)
	}

	// second run: files are unchanged so nothing notifies
	runner2 := fakerun.New().On("initctl status kafka", fakerun.Result{Stdout: "kafka start/running, process 1\n"})
	engine2 := newTestEngine(t, runner2, Config{})
	report, err = engine2.Run(context.Background(), resources)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if runner2.Count("initctl restart") != 0 || len(report.Notifications) != 0 {
		t.Fatalf("unchanged files must not notify: %v", runner2.Lines())
	}
}

func TestImmediateNotificationsFireInDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	runner := fakerun.New()
	obs := &recordingObserver{}
	engine := newTestEngine(t, runner, Config{Observer: obs})

	resources := []Resource{
		New("first", ExecuteSpec{Command: "first"}, ActionNothing),
		New("second", ExecuteSpec{Command: "second"}, ActionNothing),
		New("zk-node", FileSpec{Path: filepath.Join(dir, "node"), Content: []byte("x")}).
			Notify("execute[first]", ActionRun, Immediate).
			Notify("execute[second]", ActionRun, Immediate),
		New("last", ExecuteSpec{Command: "last"}),
	}
	if _, err := engine.Run(context.Background(), resources); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"first", "second", "last"}
	got := runner.Lines()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(obs.fired) != 2 || obs.fired[0] != Immediate {
		t.Fatalf("unexpected observed notifications: %v", obs.fired)
	}
}

func TestImmediateLoopIsRejected(t *testing.T) {
	runner := fakerun.New()
	engine := newTestEngine(t, runner, Config{})
	resources := []Resource{
		New("a", ExecuteSpec{Command: "a"}).Notify("execute[b]", ActionRun, Immediate),
		New("b", ExecuteSpec{Command: "b"}, ActionNothing).Notify("execute[a]", ActionRun, Immediate),
	}
	if _, err := engine.Run(context.Background(), resources); !errors.Is(err, ErrNotificationLoop) {
		t.Fatalf("expected loop error, got %v", err)
	}
}

func TestUnknownTargetFailsBeforeAnythingRuns(t *testing.T) {
	runner := fakerun.New()
	engine := newTestEngine(t, runner, Config{})
	resources := []Resource{
		New("first", ExecuteSpec{Command: "first"}),
		New("conf", FileSpec{Path: filepath.Join(t.TempDir(), "conf")}).Notify("service[missing]", ActionRestart, Delayed),
	}
	report, err := engine.Run(context.Background(), resources)
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected unknown target, got %v", err)
	}
	if len(runner.Lines()) != 0 || len(report.Results) != 0 {
		t.Fatalf("nothing should run on an invalid plan: %v", runner.Lines())
	}
	if report.Error == "" {
		t.Fatalf("report should carry the error")
	}
}

func TestValidateRejectsBadPlans(t *testing.T) {
	cases := map[string][]Resource{
		"duplicate": {New("x", ExecuteSpec{Command: "x"}), New("x", ExecuteSpec{Command: "y"})},
		"action":    {New("x", ExecuteSpec{Command: "x"}, ActionRestart)},
		"target action": {
			New("x", ExecuteSpec{Command: "x"}),
			New("f", FileSpec{Path: "/tmp/f"}).Notify("execute[x]", ActionRestart, Delayed),
		},
		"kind mismatch": {{ID: "file[x]", Spec: ExecuteSpec{Command: "x"}}},
	}
	for name, resources := range cases {
		if err := Validate(resources); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestFatalErrorAbortsAndDropsDelayedQueue(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	runner := fakerun.New().On("broken", fakerun.Result{ExitCode: 1, Err: errors.New("exit status 1")})
	engine := newTestEngine(t, runner, Config{})
	resources := []Resource{
		kafkaService(),
		New("server.properties", FileSpec{Path: filepath.Join(dir, "server.properties"), Content: []byte("a=1\n")}).
			Notify("service[kafka]", ActionRestart, Delayed),
		New("broken", ExecuteSpec{Command: "broken"}),
		New("never", ExecuteSpec{Command: "never"}),
	}
	report, err := engine.Run(context.Background(), resources)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if runner.Count("initctl") != 0 || runner.Count("never") != 0 {
		t.Fatalf("run must stop at the failure: %v", runner.Lines())
	}
	if report.Count(OutcomeFailed) != 1 || report.Succeeded() {
		t.Fatalf("expected one failed result: %+v", report)
	}
}

func TestIgnoreFailureContinues(t *testing.T) {
	runner := fakerun.New().On("broken", fakerun.Result{ExitCode: 1, Err: errors.New("exit status 1")})
	engine := newTestEngine(t, runner, Config{})
	broken := New("broken", ExecuteSpec{Command: "broken"})
	broken.IgnoreFailure = true
	report, err := engine.Run(context.Background(), []Resource{broken, New("next", ExecuteSpec{Command: "next"})})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.Count("next") != 1 || report.Count(OutcomeFailed) != 1 {
		t.Fatalf("expected the run to continue: %v %+v", runner.Lines(), report.Results)
	}
}

func TestGuards(t *testing.T) {
	runner := fakerun.New()
	engine := newTestEngine(t, runner, Config{})
	yes := func() (bool, error) { return true, nil }
	no := func() (bool, error) { return false, nil }

	resources := []Resource{
		New("not-if", ExecuteSpec{Command: "not-if"}).Unless(yes),
		New("only-if", ExecuteSpec{Command: "only-if"}).When(no),
		New("allowed", ExecuteSpec{Command: "allowed"}).Unless(no).When(yes),
	}
	report, err := engine.Run(context.Background(), resources)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(runner.Lines(), ",") != "allowed" {
		t.Fatalf("unexpected commands: %v", runner.Lines())
	}
	if report.Count(OutcomeSkipped) != 2 || report.Results[0].Reason != "not_if" || report.Results[1].Reason != "only_if" {
		t.Fatalf("unexpected results: %+v", report.Results)
	}

	failing := New("guarded", ExecuteSpec{Command: "guarded"}).When(func() (bool, error) { return false, errors.New("probe failed") })
	if _, err := engine.Run(context.Background(), []Resource{failing}); err == nil {
		t.Fatalf("guard errors must abort")
	}
}

func TestExecuteCreatesMarker(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "done")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	runner := fakerun.New()
	engine := newTestEngine(t, runner, Config{})
	report, err := engine.Run(context.Background(), []Resource{New("extract", ExecuteSpec{Command: "tar", Creates: marker})})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.Lines()) != 0 || report.Results[0].Outcome != OutcomeUpToDate {
		t.Fatalf("creates marker should skip: %v %+v", runner.Lines(), report.Results)
	}
}

func TestInstallMarkerSkipsDownload(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "zookeeper-3.4.6", "zookeeper-3.4.6.jar")
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	fetcher := &countingFetcher{}
	installer, err := install.NewInstaller(install.Config{CacheDir: filepath.Join(dir, "cache"), Fetcher: fetcher})
	if err != nil {
		t.Fatalf("installer: %v", err)
	}
	engine := newTestEngine(t, fakerun.New(), Config{Installer: installer})
	spec := InstallSpec{Install: install.Spec{
		ID:          "zookeeper",
		URL:         "http://mirror.example/zookeeper-3.4.6.tar.gz",
		Destination: dir,
		Marker:      marker,
	}}
	report, err := engine.Run(context.Background(), []Resource{New("zookeeper", spec)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fetcher.calls != 0 || report.Results[0].Outcome != OutcomeUpToDate {
		t.Fatalf("marker must skip the download: calls=%d %+v", fetcher.calls, report.Results)
	}
}

func TestCoordNodeActions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	opens := 0
	opener := func(ctx context.Context) (coord.Store, error) {
		opens++
		return Shared(store)(ctx)
	}
	engine := newTestEngine(t, fakerun.New(), Config{OpenStore: opener})

	if _, err := engine.Run(ctx, []Resource{New("noop", ExecuteSpec{Command: "true"})}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if opens != 0 {
		t.Fatalf("store opened without coord resources")
	}

	plan := []Resource{
		New("/kafka/config", CoordNodeSpec{Path: "/kafka", Data: []byte("v1")}),
		New("/kafka/seed", CoordNodeSpec{Path: "/seed", Data: []byte("first")}, ActionCreateIfMissing),
	}
	report, err := engine.Run(ctx, plan)
	if err != nil || report.Count(OutcomeUpdated) != 2 {
		t.Fatalf("first run: %v %+v", err, report.Results)
	}
	plan[1].Spec = CoordNodeSpec{Path: "/seed", Data: []byte("second")}
	report, err = engine.Run(ctx, plan)
	if err != nil || report.Count(OutcomeUpToDate) != 2 {
		t.Fatalf("second run should be a no-op: %v %+v", err, report.Results)
	}
	if data, _ := store.Get(ctx, "/seed"); string(data) != "first" {
		t.Fatalf("create_if_missing overwrote the node: %q", data)
	}

	_, err = engine.Run(ctx, []Resource{New("gone", CoordNodeSpec{Path: "/never-created"}, ActionDelete)})
	if !errors.Is(err, coord.ErrNodeNotFound) {
		t.Fatalf("deleting a missing node must fail, got %v", err)
	}
}

func TestDryRunLeavesHostAlone(t *testing.T) {
	dir := t.TempDir()
	runner := fakerun.New()
	engine := newTestEngine(t, runner, Config{DryRun: true})
	path := filepath.Join(dir, "zoo.cfg")
	resources := []Resource{
		New("zookeeper", ServiceSpec{Unit: service.Unit{Name: "zookeeper", Style: "runit"}}, ActionNothing),
		New("zoo.cfg", FileSpec{Path: path, Content: []byte("clientPort=2181\n")}, ActionRender).
			Notify("service[zookeeper]", ActionRestart, Delayed),
	}
	report, err := engine.Run(context.Background(), resources)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tools := runner.Lines(); len(tools) != 0 {
		t.Fatalf("dry run executed commands: %v", tools)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote the file")
	}
	if !report.DryRun || report.Count(OutcomeUpdated) != 2 || len(report.Notifications) != 1 {
		t.Fatalf("dry run should still report changes: %+v", report)
	}
}

func TestHostsEntryAppendsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte("127.0.0.1 localhost"), 0o644); err != nil {
		t.Fatal(err)
	}
	engine := newTestEngine(t, fakerun.New(), Config{})
	entry := New("streamparse-box", HostsEntrySpec{Path: path, IP: "127.0.0.1", Hostname: "streamparse-box"})
	for i := 0; i < 2; i++ {
		if _, err := engine.Run(context.Background(), []Resource{entry}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "127.0.0.1 localhost\n127.0.0.1 streamparse-box\n" {
		t.Fatalf("unexpected hosts file %q", data)
	}
	if HostsHasName([]byte("# 10.0.0.1 streamparse-box\n"), "streamparse-box") {
		t.Fatalf("commented entries do not count")
	}
}
