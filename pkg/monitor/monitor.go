// Package monitor polls the compute backend once per call and records a
// normalized status snapshot on the simulation record.
//
// Backend vocabulary is mapped into four buckets: QUEUED, STARTING, RUNNING
// and TERMINAL. Any status the mapping does not recognise lands in QUEUED and
// is logged; it never lands in TERMINAL. Query failures are recorded as
// UNKNOWN and never fail the simulation.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// Bucket is the canonical backend state.
type Bucket string

const (
	BucketQueued   Bucket = "QUEUED"
	BucketStarting Bucket = "STARTING"
	BucketRunning  Bucket = "RUNNING"
	BucketTerminal Bucket = "TERMINAL"
)

// Decision is what the orchestrator should do next.
type Decision string

const (
	DecisionInProgress Decision = "IN_PROGRESS"
	DecisionSucceeded  Decision = "SUCCEEDED"
	DecisionFailed     Decision = "FAILED"
	DecisionUnknown    Decision = "UNKNOWN"

	// DecisionFinalized means the record was already terminal; nothing was written.
	DecisionFinalized Decision = "FINALIZED"
)

// Classification is the result of mapping one backend status.
type Classification struct {
	Bucket  Bucket
	Success bool

	// Status is the record status that represents this snapshot.
	Status simulation.Status

	// Recognized is false when the backend status fell through to the default.
	Recognized bool
}

// Classify maps a backend status. The mapping is total.
func Classify(backendStatus string) Classification {
	switch strings.ToUpper(strings.TrimSpace(backendStatus)) {
	case "SUBMITTED", "PENDING":
		return Classification{Bucket: BucketQueued, Status: simulation.StatusPending, Recognized: true}
	case "RUNNABLE":
		return Classification{Bucket: BucketQueued, Status: simulation.StatusRunnable, Recognized: true}
	case "STARTING":
		return Classification{Bucket: BucketStarting, Status: simulation.StatusStarting, Recognized: true}
	case "RUNNING":
		return Classification{Bucket: BucketRunning, Status: simulation.StatusRunning, Recognized: true}
	case "SUCCEEDED":
		return Classification{Bucket: BucketTerminal, Success: true, Status: simulation.StatusSucceeded, Recognized: true}
	case "FAILED":
		return Classification{Bucket: BucketTerminal, Status: simulation.StatusFailed, Recognized: true}
	default:
		return Classification{Bucket: BucketQueued, Status: simulation.StatusPending}
	}
}

// Observation is the outcome of one poll.
type Observation struct {
	Decision      Decision
	Bucket        Bucket
	BackendStatus string
	Reason        string

	// Written is false when the write was skipped (unchanged or terminal).
	Written bool

	// Err is the backend query error behind DecisionUnknown.
	Err error

	Job *simulation.Job
}

// DefaultCallTimeout bounds one backend or metadata store call.
const DefaultCallTimeout = 30 * time.Second

// Monitor polls one simulation per call.
type Monitor struct {
	backend     compute.Backend
	store       jobstore.Store
	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor.
func New(backend compute.Backend, store jobstore.Store, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		backend:     backend,
		store:       store,
		callTimeout: DefaultCallTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Poll queries the backend once and records the snapshot.
//
// The only errors returned are metadata-store failures and a missing compute
// handle. Backend failures surface as DecisionUnknown.
func (m *Monitor) Poll(ctx context.Context, key simulation.Key) (*Observation, error) {
	getCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	job, err := m.store.Get(getCtx, key)
	cancel()
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return &Observation{Decision: DecisionFinalized, Job: job}, nil
	}
	if job.Compute == nil || job.Compute.JobID == "" {
		return nil, simulation.NewError(simulation.KindInternal, "monitor", "simulation has no compute handle", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	desc, err := m.backend.Describe(callCtx, job.Compute.JobID)
	cancel()
	if err != nil {
		return m.recordUnknown(ctx, job, err)
	}

	cls := Classify(desc.Status)
	if !cls.Recognized {
		m.logger.Warn("Unrecognized backend status; treating as queued",
			zap.String("simulation_id", key.SimulationID),
			zap.String("user_id", key.UserID),
			zap.String("job_id", job.Compute.JobID),
			zap.String("backend_status", desc.Status))
	}

	obs := &Observation{
		Bucket:        cls.Bucket,
		BackendStatus: desc.Status,
		Reason:        desc.Reason,
		Decision:      DecisionInProgress,
	}
	if cls.Bucket == BucketTerminal {
		obs.Decision = DecisionFailed
		if cls.Success {
			obs.Decision = DecisionSucceeded
		}
	}

	patch := snapshotPatch(job, cls, desc)
	if unchanged(job, patch) {
		obs.Job = job
		return obs, nil
	}
	now := m.now().UTC()
	patch.LastChecked = &now

	updated, err := m.update(ctx, key, patch)
	if err != nil {
		if errors.Is(err, jobstore.ErrTerminal) {
			// A concurrent cancellation won.
			return &Observation{Decision: DecisionFinalized, Job: updated}, nil
		}
		return nil, err
	}
	obs.Written = true
	obs.Job = updated

	m.logger.Debug("Monitor snapshot recorded",
		zap.String("simulation_id", key.SimulationID),
		zap.String("job_id", job.Compute.JobID),
		zap.String("backend_status", desc.Status),
		zap.String("bucket", string(cls.Bucket)))
	return obs, nil
}

func (m *Monitor) update(ctx context.Context, key simulation.Key, p jobstore.Patch) (*simulation.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.store.Update(ctx, key, p)
}

func (m *Monitor) recordUnknown(ctx context.Context, job *simulation.Job, cause error) (*Observation, error) {
	key := job.Key()
	reason := fmt.Sprintf("status query failed: %v", cause)
	m.logger.Warn("Compute backend query failed",
		zap.String("simulation_id", key.SimulationID),
		zap.String("user_id", key.UserID),
		zap.String("job_id", job.Compute.JobID),
		zap.Error(cause))

	obs := &Observation{
		Decision: DecisionUnknown,
		Reason:   reason,
		Err:      simulation.NewError(simulation.KindTransientMonitor, "monitor", reason, cause),
	}

	patch := jobstore.SetStatus(simulation.StatusUnknown, reason)
	if unchanged(job, patch) {
		obs.Job = job
		return obs, nil
	}
	now := m.now().UTC()
	patch.LastChecked = &now

	updated, err := m.update(ctx, key, patch)
	if err != nil {
		if errors.Is(err, jobstore.ErrTerminal) {
			return &Observation{Decision: DecisionFinalized, Job: updated}, nil
		}
		return nil, err
	}
	obs.Written = true
	obs.Job = updated
	return obs, nil
}

// snapshotPatch builds the write for a snapshot. A failed backend run keeps
// the current status; the orchestrator's terminal write records FAILED.
func snapshotPatch(job *simulation.Job, cls Classification, desc *compute.Description) jobstore.Patch {
	status := cls.Status
	if status == simulation.StatusFailed {
		status = job.Status
	}

	details := desc.Reason
	if !cls.Recognized {
		details = fmt.Sprintf("unrecognized backend status %q", desc.Status)
	}

	patch := jobstore.SetStatus(status, details)
	rt := RuntimeFacts(desc)
	patch.Runtime = &rt
	return patch
}

// RuntimeFacts extracts runtime facts from a backend snapshot. RuntimeSeconds
// is set only when both timestamps are present.
func RuntimeFacts(desc *compute.Description) simulation.RuntimeFacts {
	rt := simulation.RuntimeFacts{ExitCode: desc.ExitCode}
	if desc.StartedAt != nil {
		t := desc.StartedAt.UTC()
		rt.StartedAt = &t
	}
	if desc.StoppedAt != nil {
		t := desc.StoppedAt.UTC()
		rt.StoppedAt = &t
	}
	if rt.StartedAt != nil && rt.StoppedAt != nil {
		secs := rt.StoppedAt.Sub(*rt.StartedAt).Seconds()
		if secs < 0 {
			secs = 0
		}
		rt.RuntimeSeconds = &secs
	}
	if desc.VCPUs > 0 || desc.MemoryMiB > 0 {
		rt.ResourceMetrics = &simulation.ResourceMetrics{VCPUs: desc.VCPUs, MemoryMiB: desc.MemoryMiB}
	}
	return rt
}

func unchanged(job *simulation.Job, p jobstore.Patch) bool {
	if p.Status != nil && *p.Status != job.Status {
		return false
	}
	if p.StatusDetails != nil && *p.StatusDetails != job.StatusDetails {
		return false
	}
	if p.Runtime != nil && !sameRuntime(*p.Runtime, job.Runtime) {
		return false
	}
	return true
}

func sameRuntime(a, b simulation.RuntimeFacts) bool {
	return sameTime(a.StartedAt, b.StartedAt) &&
		sameTime(a.StoppedAt, b.StoppedAt) &&
		sameFloat(a.RuntimeSeconds, b.RuntimeSeconds) &&
		sameInt(a.ExitCode, b.ExitCode) &&
		sameResources(a.ResourceMetrics, b.ResourceMetrics)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameResources(a, b *simulation.ResourceMetrics) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
