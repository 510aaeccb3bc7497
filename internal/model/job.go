package model

import "time"

// Job state constants. A key moves through these as its job is submitted,
// executed and retired.
const (
	StateEmpty     = "empty"
	StateSubmitted = "submitted"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateConsumed  = "consumed"
	StateCached    = "cached"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateEmpty: {
		StateSubmitted: true,
	},
	StateSubmitted: {
		StateRunning:   true,
		StateCompleted: true,
		StateCancelled: true,
		StateFailed:    true,
	},
	StateRunning: {
		StateRunning:   true, // progress reported
		StateCompleted: true,
		StateCancelled: true,
		StateFailed:    true,
	},
	StateCompleted: {
		StateConsumed: true,
		StateCached:   true,
	},
	StateConsumed: {
		StateEmpty: true,
	},
	StateCached: {
		StateCached: true, // hit refreshes expiry
		StateEmpty:  true,
	},
	StateCancelled: {
		StateEmpty: true,
	},
	StateFailed: {
		StateEmpty: true,
	},
}

// ValidTransition reports whether moving a key from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Progress is a snapshot reported by a running job.
type Progress struct {
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fraction returns Current/Total clamped to [0, 1], or 0 when Total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Current) / float64(p.Total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Behind reports whether p is older than other and must not replace it.
func (p Progress) Behind(other Progress) bool {
	if p.Current != other.Current {
		return p.Current < other.Current
	}
	return p.Seq < other.Seq
}

// ErrorPayload is the structured marker stored as a job's result when its
// function fails and no error handler produced a replacement value.
type ErrorPayload struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Envelope is what a worker stores under a result key. Value holds the
// codec-encoded return value; Err is set instead when the function failed
// and no error handler supplied a value.
type Envelope struct {
	JobID      string        `json:"job_id"`
	Value      []byte        `json:"value,omitempty"`
	Err        *ErrorPayload `json:"err,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}
