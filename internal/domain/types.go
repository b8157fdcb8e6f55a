package domain

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a TaskResult.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateExpired   State = "EXPIRED"
	StateCanceled  State = "CANCELED"
	StateBotDied   State = "BOT_DIED"
)

// MaxTries bounds the number of attempts per task. A second internal
// failure is terminal, not retried.
const MaxTries = 2

func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCanceled, StateBotDied:
		return true
	}
	return false
}

// CanBeCanceled reports whether a cancel request is still meaningful.
func (s State) CanBeCanceled() bool {
	return s == StatePending || s == StateRunning
}

// Dimensions maps a capability key to the set of acceptable values.
// A task requires them; a bot advertises them.
type Dimensions map[string][]string

// MatchedBy reports whether every required key is present in the bot's
// capabilities with at least one accepted value.
func (d Dimensions) MatchedBy(bot Dimensions) bool {
	for key, accepted := range d {
		have, ok := bot[key]
		if !ok {
			return false
		}
		matched := false
		for _, want := range accepted {
			for _, v := range have {
				if v == want {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// TaskRequest describes work to perform. Immutable once created.
type TaskRequest struct {
	ID                    string
	CreatedTS             time.Time
	Name                  string
	User                  string
	AuthenticatedIdentity string
	Priority              int
	Dimensions            Dimensions
	Commands              [][]string
	Env                   map[string]string
	ExecutionTimeout      time.Duration
	IOTimeout             time.Duration
	ExpirationTS          time.Time
	Idempotent            bool
	Tags                  []string
	ParentTask            string

	// PropertiesHash is the canonical fingerprint of the semantically
	// relevant fields, filled at admission for idempotent requests.
	PropertiesHash string
}

// TaskResult tracks the execution lifecycle of one TaskRequest. One
// record per request; retried attempts reuse the slot with TryNumber
// incremented.
type TaskResult struct {
	TaskID          string
	State           State
	TryNumber       int
	BotID           string
	StartedTS       *time.Time
	CompletedTS     *time.Time
	AbandonedTS     *time.Time
	ModifiedTS      *time.Time
	ExitCodes       []int
	Failure         bool
	InternalFailure bool
	CostUSD         float64
	CostSavedUSD    float64
	DedupedFrom     string
	ServerVersions  []string
	CancelRequested bool

	// DedupHold points at an in-flight task with the same fingerprint.
	// A held result stays PENDING but is skipped by the matcher until
	// the original terminates: a reusable outcome completes the holder
	// as deduped, anything else releases it to run.
	DedupHold string
}

// PendingFor returns how long the task waited before starting.
func (r *TaskResult) PendingFor(created, now time.Time) time.Duration {
	if r.StartedTS != nil {
		return r.StartedTS.Sub(created)
	}
	if r.State == StatePending {
		return now.Sub(created)
	}
	if r.CompletedTS != nil {
		return r.CompletedTS.Sub(created)
	}
	return 0
}

// RunningFor returns the elapsed run time of the current attempt.
func (r *TaskResult) RunningFor(now time.Time) time.Duration {
	if r.StartedTS == nil {
		return 0
	}
	if r.CompletedTS != nil {
		return r.CompletedTS.Sub(*r.StartedTS)
	}
	if r.State == StateRunning {
		return now.Sub(*r.StartedTS)
	}
	return 0
}

// TouchVersion appends the scheduler build id to the audit trail if it
// is not already recorded.
func (r *TaskResult) TouchVersion(version string) {
	for _, v := range r.ServerVersions {
		if v == version {
			return
		}
	}
	r.ServerVersions = append(r.ServerVersions, version)
}

// Summary renders a one-line description of the result, one formatting
// branch per state.
func (r *TaskResult) Summary() string {
	switch r.State {
	case StatePending:
		return fmt.Sprintf("pending (try %d)", r.TryNumber)
	case StateRunning:
		return fmt.Sprintf("running on %s (try %d)", r.BotID, r.TryNumber)
	case StateCompleted:
		if r.DedupedFrom != "" {
			return fmt.Sprintf("completed, deduped from %s ($%.2f saved)", r.DedupedFrom, r.CostSavedUSD)
		}
		if r.Failure {
			return fmt.Sprintf("completed with failure, exit codes %s", joinInts(r.ExitCodes))
		}
		return fmt.Sprintf("completed ($%.2f)", r.CostUSD)
	case StateExpired:
		return "expired before being scheduled"
	case StateCanceled:
		return "canceled"
	case StateBotDied:
		return fmt.Sprintf("bot %s died after %d tries", r.BotID, r.TryNumber)
	}
	return string(r.State)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%d", x)
	}
	return strings.Join(parts, ",")
}
