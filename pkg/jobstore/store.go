// Package jobstore defines the Metadata Store that owns simulation records.
//
// Every backend provides the same four operations: insert-if-absent, get,
// atomic per-call update and per-user query. Updates are expressed as a Patch
// so each backend can apply all attributes of one call atomically and enforce
// the status graph in one place.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// Sentinel errors for store operations.
var (
	// ErrAlreadyExists indicates a record with the same key exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTerminal indicates the record is terminal and the patch would change it.
	ErrTerminal = errors.New("record is terminal")

	// ErrInvalidTransition indicates the status graph forbids the change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict indicates a concurrent writer won; the caller may retry.
	ErrConflict = errors.New("concurrent update conflict")
)

// Store is the Metadata Store contract.
type Store interface {
	// Create inserts job if no record with its key exists.
	Create(ctx context.Context, job *simulation.Job) error

	// Get returns the record for key.
	Get(ctx context.Context, key simulation.Key) (*simulation.Job, error)

	// Update applies patch atomically and returns the stored result.
	Update(ctx context.Context, key simulation.Key, patch Patch) (*simulation.Job, error)

	// Query returns a user's records matching filter, newest first.
	Query(ctx context.Context, userID string, filter Filter) ([]*simulation.Job, error)

	// Close releases backend resources.
	Close() error
}

// ActiveScanner can list non-terminal records across all users.
//
// Used at startup to resume orchestrators.
type ActiveScanner interface {
	ScanActive(ctx context.Context) ([]*simulation.Job, error)
}

// Filter narrows a Query.
type Filter struct {
	// Statuses, when non-empty, keeps only records in one of these statuses.
	Statuses []simulation.Status

	// ActiveOnly keeps only non-terminal records.
	ActiveOnly bool

	// Limit caps the result count; zero means no limit.
	Limit int
}

// Match reports whether job passes the filter (Limit is applied separately).
func (f Filter) Match(job *simulation.Job) bool {
	if f.ActiveOnly && !job.Status.IsActive() {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

// Finish sorts newest first and applies Limit.
func (f Filter) Finish(jobs []*simulation.Job) []*simulation.Job {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs
}

// Patch is a set of attribute changes applied atomically by Update.
// Nil fields are left untouched.
type Patch struct {
	Status        *simulation.Status
	StatusDetails *string
	FailureKind   *simulation.Kind
	LastChecked   *time.Time

	Compute       *simulation.ComputeHandle
	Workflow      *simulation.WorkflowHandle
	ClearWorkflow bool

	Runtime *simulation.RuntimeFacts
	Results *simulation.ResultMetadata
	Metrics *simulation.Metrics

	SubmittedAt *time.Time
	CancelledAt *time.Time
}

// SetStatus is a convenience for patches that change status with a detail.
func SetStatus(status simulation.Status, details string) Patch {
	return Patch{Status: &status, StatusDetails: &details}
}

// Apply mutates job in place according to the patch.
//
// A terminal record accepts only ClearWorkflow. A status change must be
// permitted by simulation.CanTransition.
func (p Patch) Apply(job *simulation.Job, now time.Time) error {
	if job.Status.IsTerminal() {
		if !p.onlyClearsWorkflow() {
			return fmt.Errorf("%w: %s", ErrTerminal, job.Status)
		}
		job.Workflow = nil
		job.UpdatedAt = now
		job.Version++
		return nil
	}

	if p.Status != nil && !simulation.CanTransition(job.Status, *p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *p.Status)
	}

	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.StatusDetails != nil {
		job.StatusDetails = *p.StatusDetails
	}
	if p.FailureKind != nil {
		job.FailureKind = *p.FailureKind
	}
	if p.LastChecked != nil {
		t := p.LastChecked.UTC()
		job.LastChecked = &t
	}
	if p.Compute != nil {
		h := *p.Compute
		job.Compute = &h
	}
	if p.ClearWorkflow {
		job.Workflow = nil
	}
	if p.Workflow != nil {
		h := *p.Workflow
		job.Workflow = &h
	}
	if p.Runtime != nil {
		job.Runtime = *p.Runtime
	}
	if p.Results != nil {
		r := *p.Results
		job.Results = &r
	}
	if p.Metrics != nil {
		job.Metrics = *p.Metrics
	}
	if p.SubmittedAt != nil {
		t := p.SubmittedAt.UTC()
		job.SubmittedAt = &t
	}
	if p.CancelledAt != nil {
		t := p.CancelledAt.UTC()
		job.CancelledAt = &t
	}
	job.UpdatedAt = now
	job.Version++
	return nil
}

func (p Patch) onlyClearsWorkflow() bool {
	return p.ClearWorkflow && p == Patch{ClearWorkflow: true}
}

// PrepareCreate validates a new record and stamps its bookkeeping fields.
func PrepareCreate(job *simulation.Job, now time.Time) error {
	if job == nil {
		return errors.New("job record is nil")
	}
	if job.UserID == "" {
		return errors.New("user_id is required")
	}
	if job.SimulationID == "" {
		return errors.New("simulation_id is required")
	}
	if job.Status == "" {
		job.Status = simulation.StatusSubmitted
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid status %q", job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1
	return nil
}

// IsNotFound returns true if the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the key is taken.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsTerminal returns true if the update was refused because the record is terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}
