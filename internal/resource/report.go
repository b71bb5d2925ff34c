package resource

import "time"

type Outcome string

const (
	OutcomeUpToDate Outcome = "up-to-date"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Result is the outcome of one (resource, action) pair.
type Result struct {
	ID         string  `toml:"id" json:"id"`
	Action     Action  `toml:"action" json:"action"`
	Outcome    Outcome `toml:"outcome" json:"outcome"`
	Trigger    Timing  `toml:"trigger,omitempty" json:"trigger,omitempty"`
	Reason     string  `toml:"reason,omitempty" json:"reason,omitempty"`
	Error      string  `toml:"error,omitempty" json:"error,omitempty"`
	DurationMS int64   `toml:"duration_ms" json:"duration_ms"`
}

// Fired records one notification that ran.
type Fired struct {
	Source string `toml:"source" json:"source"`
	Target string `toml:"target" json:"target"`
	Action Action `toml:"action" json:"action"`
	Timing Timing `toml:"timing" json:"timing"`
}

// Report is everything one run did.
type Report struct {
	Host          string    `toml:"host,omitempty" json:"host,omitempty"`
	DryRun        bool      `toml:"dry_run" json:"dry_run"`
	Started       time.Time `toml:"started" json:"started"`
	Finished      time.Time `toml:"finished" json:"finished"`
	Error         string    `toml:"error,omitempty" json:"error,omitempty"`
	Results       []Result  `toml:"results" json:"results"`
	Notifications []Fired   `toml:"notifications" json:"notifications"`
}

// Count returns how many results have outcome.
func (r Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Updated reports whether the run changed anything.
func (r Report) Updated() bool {
	return r.Count(OutcomeUpdated) > 0
}

func (r Report) Succeeded() bool {
	return r.Error == ""
}
