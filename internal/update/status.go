package update

import (
	"fmt"
	"sync"
)

// Phase is the coarse state of a firmware update.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStart
	PhaseProgress
	PhaseOK
	PhaseError
)

// Status is what telemetry reports about the update transport.
type Status struct {
	Phase   Phase
	Percent int
	Err     string
}

// String renders IDLE, START, "<n>%", OK or ERR.
func (s Status) String() string {
	switch s.Phase {
	case PhaseStart:
		return "START"
	case PhaseProgress:
		return fmt.Sprintf("%d%%", s.Percent)
	case PhaseOK:
		return "OK"
	case PhaseError:
		return "ERR"
	default:
		return "IDLE"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reporter tracks the update status. It is safe for concurrent use.
type Reporter struct {
	mu sync.Mutex
	st Status
}

func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func (r *Reporter) String() string { return r.Status().String() }

func (r *Reporter) Begin() {
	r.mu.Lock()
	r.st = Status{Phase: PhaseStart}
	r.mu.Unlock()
}

// Progress clamps pct to 0..100.
func (r *Reporter) Progress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	r.mu.Lock()
	r.st = Status{Phase: PhaseProgress, Percent: pct}
	r.mu.Unlock()
}

// Done records the outcome: OK when err is nil, ERR otherwise.
func (r *Reporter) Done(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.st = Status{Phase: PhaseError, Percent: r.st.Percent, Err: err.Error()}
		return
	}
	r.st = Status{Phase: PhaseOK, Percent: 100}
}

// Busy reports whether an update is in flight.
func (r *Reporter) Busy() bool {
	p := r.Status().Phase
	return p == PhaseStart || p == PhaseProgress
}
