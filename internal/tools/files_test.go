package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/convergectl/internal/testutil/testlog"
)

func TestEnsureFileWritesOnlyOnChange(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "zoo.cfg")
	changed, err := EnsureFile(path, []byte("tickTime=2000\n"), 0o644, Ownership{})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if !changed {
		t.Fatalf("expected first write to report a change")
	}

	changed, err = EnsureFile(path, []byte("tickTime=2000\n"), 0o644, Ownership{})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if changed {
		t.Fatalf("expected identical content to be left alone")
	}

	changed, err = EnsureFile(path, []byte("tickTime=3000\n"), 0o644, Ownership{})
	if err != nil {
		t.Fatalf("third write: %v", err)
	}
	if !changed {
		t.Fatalf("expected new content to be written")
	}
	out, _ := os.ReadFile(path)
	if string(out) != "tickTime=3000\n" {
		t.Fatalf("unexpected content: %q", string(out))
	}
}

func TestEnsureFileConvergesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kafka-run-class.sh")
	if _, err := EnsureFile(path, []byte("#!/bin/sh\n"), 0o644, Ownership{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed, err := EnsureFile(path, []byte("#!/bin/sh\n"), 0o755, Ownership{})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !changed {
		t.Fatalf("expected mode change to count as update")
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("unexpected mode: %v", info.Mode().Perm())
	}
}

func TestEnsureDirAndSymlink(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "opt", "storm", "storm-0.9.3")
	changed, err := EnsureDir(dir, 0o700, Ownership{}, true)
	if err != nil || !changed {
		t.Fatalf("ensure dir: changed=%v err=%v", changed, err)
	}
	changed, err = EnsureDir(dir, 0o700, Ownership{}, true)
	if err != nil || changed {
		t.Fatalf("ensure dir again: changed=%v err=%v", changed, err)
	}

	link := filepath.Join(root, "opt", "storm", "current")
	changed, err = EnsureSymlink(link, dir)
	if err != nil || !changed {
		t.Fatalf("ensure link: changed=%v err=%v", changed, err)
	}
	changed, err = EnsureSymlink(link, dir)
	if err != nil || changed {
		t.Fatalf("ensure link again: changed=%v err=%v", changed, err)
	}

	other := filepath.Join(root, "elsewhere")
	changed, err = EnsureSymlink(link, other)
	if err != nil || !changed {
		t.Fatalf("retarget link: changed=%v err=%v", changed, err)
	}
	got, _ := os.Readlink(link)
	if got != other {
		t.Fatalf("link points at %q", got)
	}
}

func TestEnsureDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := EnsureDir(path, 0o755, Ownership{}, true); err == nil {
		t.Fatalf("expected error for non-directory")
	}
}

func TestRemovePathMissingIsNoop(t *testing.T) {
	changed, err := RemovePath(filepath.Join(t.TempDir(), "missing"))
	if err != nil || changed {
		t.Fatalf("remove missing: changed=%v err=%v", changed, err)
	}
}

func TestIsWithin(t *testing.T) {
	if !IsWithin("/opt/kafka/bin", "/opt/kafka") {
		t.Fatalf("expected nested path to be within root")
	}
	if !IsWithin("/opt/kafka", "/opt/kafka") {
		t.Fatalf("expected root to be within itself")
	}
	if IsWithin("/opt/kafka/../etc", "/opt/kafka") {
		t.Fatalf("expected escaping path to be rejected")
	}
	if IsWithin("/opt/kafka-old", "/opt/kafka") {
		t.Fatalf("expected sibling prefix to be rejected")
	}
}
