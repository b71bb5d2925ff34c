package tools

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts shell command execution for convergence adapters.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct {
	Dir string
	Env []string
}

// tools command-runner implementation backed by os/exec.
func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// CommandError carries the full outcome of a failed command.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int32
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf(
		"command failed cmd=%s args=%q exit=%d stdout=%q stderr=%q: %v",
		e.Name,
		strings.Join(e.Args, " "),
		e.ExitCode,
		e.Stdout,
		e.Stderr,
		e.Err,
	)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Exec runs one command and folds a failure into a *CommandError.
func Exec(r CommandRunner, name string, args ...string) ([]byte, error) {
	stdout, stderr, exitCode, err := r.Run(name, args...)
	if err == nil {
		return stdout, nil
	}
	return stdout, &CommandError{
		Name:     name,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(string(stdout)),
		Stderr:   strings.TrimSpace(string(stderr)),
		Err:      err,
	}
}

// Missing reports whether a failed run means the binary is not installed.
func Missing(err error) bool {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode == 127
	}
	return false
}
