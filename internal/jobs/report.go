package job

import (
	"sync"
	"time"
)

// Report summarizes one tick run. Which counters a tick fills depends on
// the tick.
type Report struct {
	Tick      string        `json:"tick"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Skipped   string        `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Examined  int           `json:"examined"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Ignored   int           `json:"ignored"`
	Flagged   int           `json:"flagged"`
	Swept     int           `json:"swept"`
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeDeferred
	outcomeFlagged
)

// tally collects outcomes from concurrent workers.
type tally struct {
	mu sync.Mutex
	r  *Report
}

func (t *tally) add(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSucceeded:
		t.r.Succeeded++
	case outcomeFailed:
		t.r.Failed++
	case outcomeDeferred:
		t.r.Deferred++
	case outcomeFlagged:
		t.r.Flagged++
	default:
		t.r.Ignored++
	}
}
