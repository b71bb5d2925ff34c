// Package report persists convergence run reports as TOML so the CLI and the
// admin plane can show the last run after the process that made it exits.
package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/convergectl/internal/resource"
	"github.com/danmuck/convergectl/internal/tools"
)

const LastRunFile = "last-run.toml"

var ErrNoReport = errors.New("report: no report recorded")

// Path is where the last report lives under dir.
func Path(dir string) string {
	return filepath.Join(dir, LastRunFile)
}

// Save replaces the last report under dir.
func Save(dir string, r resource.Report) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("report encode failed: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report save failed (%s): %w", dir, err)
	}
	if _, err := tools.EnsureFile(Path(dir), data, 0o644, tools.Ownership{}); err != nil {
		return fmt.Errorf("report save failed (%s): %w", dir, err)
	}
	return nil
}

// Load reads a report file. A missing file is ErrNoReport.
func Load(path string) (resource.Report, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return resource.Report{}, ErrNoReport
	}
	if err != nil {
		return resource.Report{}, fmt.Errorf("report load failed (%s): %w", path, err)
	}
	var r resource.Report
	if err := toml.Unmarshal(data, &r); err != nil {
		return resource.Report{}, fmt.Errorf("report parse failed (%s): %w", path, err)
	}
	return r, nil
}

// Summary is the one-screen text form used by `convergectl report`.
func Summary(r resource.Report) string {
	var b strings.Builder
	status := "ok"
	if !r.Succeeded() {
		status = "failed: " + r.Error
	}
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(&b, "host %s%s: %s\n", r.Host, mode, status)
	fmt.Fprintf(&b, "started %s, took %s\n", r.Started.Format("2006-01-02 15:04:05Z07:00"), r.Finished.Sub(r.Started).Round(time.Millisecond))
	fmt.Fprintf(&b, "%d updated, %d up-to-date, %d skipped, %d failed\n",
		r.Count(resource.OutcomeUpdated),
		r.Count(resource.OutcomeUpToDate),
		r.Count(resource.OutcomeSkipped),
		r.Count(resource.OutcomeFailed),
	)
	for _, res := range r.Results {
		if res.Outcome == resource.OutcomeUpToDate {
			continue
		}
		line := fmt.Sprintf("  %-10s %s %s", res.Outcome, res.ID, res.Action)
		if res.Trigger != "" {
			line += " (" + string(res.Trigger) + ")"
		}
		if res.Error != "" {
			line += ": " + res.Error
		} else if res.Reason != "" {
			line += ": " + res.Reason
		}
		b.WriteString(line + "\n")
	}
	for _, n := range r.Notifications {
		fmt.Fprintf(&b, "  notified   %s -> %s %s (%s)\n", n.Source, n.Target, n.Action, n.Timing)
	}
	return b.String()
}
