// Package computetest provides an in-memory compute.Backend for tests.
package computetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
)

// Fake is a scriptable compute.Backend. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	// SubmitErr, DescribeErr and TerminateErr are returned when set.
	SubmitErr    error
	DescribeErr  error
	TerminateErr error

	submitted  []compute.JobSpec
	terminated map[string]string
	snapshots  map[string][]compute.Description
	describes  map[string]int
	seq        int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		terminated: map[string]string{},
		snapshots:  map[string][]compute.Description{},
		describes:  map[string]int{},
	}
}

// Submit implements compute.Backend. Job ids are "job-1", "job-2", ...
func (f *Fake) Submit(_ context.Context, spec compute.JobSpec) (*compute.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.submitted = append(f.submitted, spec)
	return &compute.SubmitResult{JobID: id, JobArn: "arn:aws:batch:us-east-1:000000000000:job/" + id}, nil
}

// Script sets the sequence of snapshots Describe returns for jobID. The last
// snapshot repeats once the sequence is exhausted.
func (f *Fake) Script(jobID string, snaps ...compute.Description) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range snaps {
		snaps[i].JobID = jobID
	}
	f.snapshots[jobID] = snaps
	f.describes[jobID] = 0
}

// Describe implements compute.Backend.
func (f *Fake) Describe(_ context.Context, jobID string) (*compute.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	snaps := f.snapshots[jobID]
	if len(snaps) == 0 {
		return nil, &compute.Error{Op: "DescribeJobs", JobID: jobID, Err: compute.ErrJobNotFound}
	}
	i := f.describes[jobID]
	if i >= len(snaps) {
		i = len(snaps) - 1
	}
	f.describes[jobID]++
	d := snaps[i]
	return &d, nil
}

// Terminate implements compute.Backend.
func (f *Fake) Terminate(_ context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	f.terminated[jobID] = reason
	return nil
}

// Submitted returns every accepted spec.
func (f *Fake) Submitted() []compute.JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compute.JobSpec(nil), f.submitted...)
}

// Terminated returns the termination reason for jobID and whether it was terminated.
func (f *Fake) Terminated(jobID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.terminated[jobID]
	return r, ok
}

// Describes returns how many times jobID was described.
func (f *Fake) Describes(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describes[jobID]
}

var _ compute.Backend = (*Fake)(nil)
