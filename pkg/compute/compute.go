// Package compute defines the Compute Backend collaborator: the external job
// queue that runs the simulation container.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend submits, describes and terminates jobs.
//
// Every call must honor ctx deadlines; callers bound each call with a
// timeout and treat expiry as a transient failure.
type Backend interface {
	Submit(ctx context.Context, spec JobSpec) (*SubmitResult, error)
	Describe(ctx context.Context, jobID string) (*Description, error)
	Terminate(ctx context.Context, jobID, reason string) error
}

// JobSpec is a fully resolved submission request.
type JobSpec struct {
	Name          string
	Queue         string
	JobDefinition string

	// Nodes is the node count; values above 1 request a multi-node job.
	Nodes int

	// PerNodeVCPUs and PerNodeMemoryMiB are what each node requests.
	PerNodeVCPUs     int
	PerNodeMemoryMiB int

	// TimeoutSeconds bounds one attempt.
	TimeoutSeconds int

	Command     []string
	Environment map[string]string
	Tags        map[string]string
}

// MultiNode reports whether the spec requests more than one node.
func (s JobSpec) MultiNode() bool {
	return s.Nodes > 1
}

// SubmitResult identifies a submitted job.
type SubmitResult struct {
	JobID  string
	JobArn string
}

// Description is one backend status snapshot, in the backend's vocabulary.
type Description struct {
	JobID  string
	Status string
	Reason string

	StartedAt *time.Time
	StoppedAt *time.Time
	ExitCode  *int

	// VCPUs and MemoryMiB are the resources actually allocated, when known.
	VCPUs     int
	MemoryMiB int
}

// Sentinel errors for compute operations.
var (
	// ErrJobNotFound indicates the backend has no record of the job.
	ErrJobNotFound = errors.New("compute job not found")

	// ErrRejected indicates the backend refused a submission.
	ErrRejected = errors.New("submission rejected")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")
)

// Error wraps backend errors with operation context.
type Error struct {
	Op    string
	JobID string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("compute %s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("compute %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsJobNotFound returns true if the backend has no record of the job.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
