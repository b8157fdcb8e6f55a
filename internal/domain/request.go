package domain

import (
	"fmt"
	"math/rand"
	"time"
)

// ValidationError rejects a request at admission, before any state is
// created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// RequestSpec is the caller-supplied description of a task. NewRequest
// turns it into a validated, immutable TaskRequest.
type RequestSpec struct {
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
}

// NewRequest validates spec and returns an immutable TaskRequest with a
// fresh time-ordered id. Rejected requests never reach the scheduler.
func NewRequest(spec RequestSpec, now time.Time) (*TaskRequest, error) {
	if spec.Priority < 1 || spec.Priority > 255 {
		return nil, &ValidationError{"priority", fmt.Sprintf("%d must be between 1 and 255", spec.Priority)}
	}
	if len(spec.Commands) == 0 {
		return nil, &ValidationError{"commands", "must not be empty"}
	}
	for i, cmd := range spec.Commands {
		if len(cmd) == 0 {
			return nil, &ValidationError{"commands", fmt.Sprintf("command %d has no arguments", i)}
		}
	}
	if spec.ExecutionTimeout <= 0 {
		return nil, &ValidationError{"execution_timeout", "must be positive"}
	}
	if spec.IOTimeout < 0 {
		return nil, &ValidationError{"io_timeout", "must not be negative"}
	}
	if !spec.ExpirationTS.After(now) {
		return nil, &ValidationError{"expiration_ts", "must be after creation time"}
	}
	return &TaskRequest{
		ID:                    NewTaskID(now),
		CreatedTS:             now,
		Name:                  spec.Name,
		User:                  spec.User,
		AuthenticatedIdentity: spec.AuthenticatedIdentity,
		Priority:              spec.Priority,
		Dimensions:            spec.Dimensions,
		Commands:              spec.Commands,
		Env:                   spec.Env,
		ExecutionTimeout:      spec.ExecutionTimeout,
		IOTimeout:             spec.IOTimeout,
		ExpirationTS:          spec.ExpirationTS,
		Idempotent:            spec.Idempotent,
		Tags:                  spec.Tags,
		ParentTask:            spec.ParentTask,
	}, nil
}

// NewTaskID returns a time-ordered, globally unique task id: 48 bits
// of milliseconds since epoch followed by 32 bits of randomness, hex
// encoded so lexicographic order follows creation order. Ids minted in
// the same millisecond share the time prefix and tie-break randomly.
func NewTaskID(now time.Time) string {
	ms := uint64(now.UnixMilli()) & ((1 << 48) - 1)
	return fmt.Sprintf("%012x%08x", ms, rand.Uint32())
}
