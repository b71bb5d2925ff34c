// Package fakerun provides a recording tools.CommandRunner for tests.
package fakerun

import (
	"strings"
	"sync"
)

// Result is one scripted command outcome.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int32
	Err      error
}

// Runner records every invocation. Responses are matched by command-line
// prefix first, then served from the Queue, then default to success.
type Runner struct {
	mu       sync.Mutex
	Commands []string
	Match    map[string]Result
	Queue    []Result
}

func New() *Runner {
	return &Runner{Match: make(map[string]Result)}
}

// On scripts the result for any command line starting with prefix.
func (r *Runner) On(prefix string, res Result) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Match == nil {
		r.Match = make(map[string]Result)
	}
	r.Match[prefix] = res
	return r
}

func (r *Runner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commands = append(r.Commands, line)

	best := ""
	for prefix := range r.Match {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		res := r.Match[best]
		return []byte(res.Stdout), []byte(res.Stderr), res.ExitCode, res.Err
	}
	if len(r.Queue) > 0 {
		next := r.Queue[0]
		r.Queue = r.Queue[1:]
		return []byte(next.Stdout), []byte(next.Stderr), next.ExitCode, next.Err
	}
	return nil, nil, 0, nil
}

// Count returns how many recorded command lines start with prefix.
func (r *Runner) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, line := range r.Commands {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Lines returns a snapshot of recorded command lines.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Commands))
	copy(out, r.Commands)
	return out
}
