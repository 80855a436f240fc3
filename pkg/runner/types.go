// Package runner executes the external engine process under a tiered
// timeout policy. A watchdog owns process lifetime: when the tier budget
// elapses the whole process group is terminated and the caller gets a
// well-formed timed-out result with whatever output was captured. Scratch
// files are removed on every exit path.
package runner

import "time"

// Tier selects the timeout budget for an invocation.
type Tier int

const (
	// TierStandard covers ordinary one-shot queries.
	TierStandard Tier = iota
	// TierComplex covers complex design work that legitimately runs long.
	TierComplex
	// TierInteractive covers follow-up turns against a persistent
	// session-bound process.
	TierInteractive
)

func (t Tier) String() string {
	switch t {
	case TierComplex:
		return "complex"
	case TierInteractive:
		return "interactive"
	default:
		return "standard"
	}
}

// Status is the outcome of an invocation. Timeouts are a status, not an
// error: callers branch on the variant.
type Status int

const (
	StatusCompleted Status = iota
	StatusTimedOut
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "completed"
	}
}

// Attachment is an input file staged into the task's scratch directory.
type Attachment struct {
	Name string
	Data []byte
}

// Task describes one engine invocation.
type Task struct {
	SessionID   string
	Prompt      string
	Attachments []Attachment
	Tier        Tier
}

// Result is the outcome of one engine invocation. PartialOutput carries
// whatever stdout was captured before a timeout killed the process.
type Result struct {
	Status        Status
	Stdout        string
	PartialOutput string
	Stderr        string
	ExitCode      int
	Duration      time.Duration
}
