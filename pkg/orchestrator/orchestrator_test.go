package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute/computetest"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/dispatch"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/file"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore/jobstoretest"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/monitor"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/results"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	filestorage "github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage/file"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/validator"
)

type countingRecorder struct {
	polls      map[monitor.Decision]int
	dispatches int
	runtimes   []float64
}

func (r *countingRecorder) ObservePoll(d monitor.Decision, _ monitor.Bucket) { r.polls[d]++ }
func (r *countingRecorder) ObserveDispatch(error)                            { r.dispatches++ }
func (r *countingRecorder) ObserveRuntime(s float64)                         { r.runtimes = append(r.runtimes, s) }

type fixture struct {
	store    *file.Store
	backend  *computetest.Fake
	outputs  *filestorage.Storage
	events   *events.Memory
	recorder *countingRecorder
	logs     *observer.ObservedLogs
	orch     *Orchestrator
	key      simulation.Key

	now    time.Time
	sleeps []time.Duration
	onWait func(n int)
}

func newFixture(t *testing.T, job *simulation.Job) *fixture {
	t.Helper()
	return newFixtureWith(t, job, nil)
}

// newFixtureWith lets wrap interpose on the store the orchestrator sees.
func newFixtureWith(t *testing.T, job *simulation.Job, wrap func(*file.Store) jobstore.Store) *fixture {
	t.Helper()
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	outputs, err := filestorage.New(filestorage.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), job))

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	f := &fixture{
		store:    store,
		backend:  computetest.New(),
		outputs:  outputs,
		events:   events.NewMemory(),
		recorder: &countingRecorder{polls: map[monitor.Decision]int{}},
		logs:     logs,
		key:      job.Key(),
		now:      time.Now(),
	}

	var seen jobstore.Store = store
	if wrap != nil {
		seen = wrap(store)
	}
	o, err := New(Deps{
		Store:      seen,
		Validator:  validator.New(nil, validator.Config{}, logger),
		Dispatcher: dispatch.New(f.backend, seen, dispatch.Config{}, logger),
		Poller:     monitor.New(f.backend, seen, logger),
		Indexer:    results.New(outputs, logger),
		Backend:    f.backend,
		Publisher:  f.events,
		Recorder:   f.recorder,
		Logger:     logger,
	}, Config{},
		WithClock(func() time.Time { return f.now }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			if f.onWait != nil {
				f.onWait(len(f.sleeps))
			}
			return ctx.Err()
		}),
	)
	require.NoError(t, err)
	f.orch = o
	return f
}

func (f *fixture) put(t *testing.T, name, body string) {
	t.Helper()
	key := "simulations/" + f.key.UserID + "/" + f.key.SimulationID + "/output/" + name
	require.NoError(t, f.outputs.Put(context.Background(), key, []byte(body), "application/octet-stream"))
}

func (f *fixture) get(t *testing.T) *simulation.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), f.key)
	require.NoError(t, err)
	return job
}

func finished(start time.Time, secs float64, vcpus int) compute.Description {
	stop := start.Add(time.Duration(secs * float64(time.Second)))
	exit := 0
	return compute.Description{Status: "SUCCEEDED", StartedAt: &start, StoppedAt: &stop, ExitCode: &exit, VCPUs: vcpus}
}

// Scenario A: a one-week 4x5 classic run on spot graviton3 that finishes in
// seven minutes completes with metrics and indexed results.
func TestRun_ScenarioA(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	f.backend.Script("job-1",
		compute.Description{Status: "RUNNING", StartedAt: &start},
		finished(start, 420, 16),
	)
	f.put(t, "GEOSChem.SpeciesConc.20240101_0000z.nc4", "0123456789")
	f.put(t, "GC.log", "log")
	f.put(t, results.RunSummaryName, `{"wall_time_seconds": 420, "cpu_time_seconds": 3360}`)

	require.NoError(t, f.orch.Run(context.Background(), f.key, "exec-1"))

	job := f.get(t)
	assert.Equal(t, simulation.StatusCompleted, job.Status)
	assert.Empty(t, job.FailureKind)
	assert.Nil(t, job.Workflow)
	require.NotNil(t, job.Compute)
	assert.Equal(t, "job-1", job.Compute.JobID)

	require.NotNil(t, job.Results)
	assert.True(t, job.Results.ResultsProcessed)
	assert.Equal(t, []string{"structured-data", "log", "text"}, job.Results.DataTypes)

	m := job.Metrics
	assert.Equal(t, 1.25, m.EstimatedCost)
	require.NotNil(t, m.ThroughputDaysPerDay)
	assert.InDelta(t, 1440.0, *m.ThroughputDaysPerDay, 1e-9)
	require.NotNil(t, m.ComputeCost)
	assert.InDelta(t, 0.68*0.3*(420.0/3600.0), *m.ComputeCost, 1e-12)
	require.NotNil(t, m.ActualCost)
	assert.InDelta(t, *m.ComputeCost+*m.StorageCost, *m.ActualCost, 1e-12)
	require.NotNil(t, m.CPUEfficiency)
	assert.InDelta(t, 0.5, *m.CPUEfficiency, 1e-12)

	assert.Equal(t, []time.Duration{DefaultPollInterval}, f.sleeps)
	assert.Equal(t, 1, f.recorder.dispatches)
	assert.Equal(t, 1, f.recorder.polls[monitor.DecisionInProgress])
	assert.Equal(t, 1, f.recorder.polls[monitor.DecisionSucceeded])
	assert.Equal(t, []float64{420}, f.recorder.runtimes)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, simulation.StatusSucceeded, evs[0].OldStatus)
	assert.Equal(t, simulation.StatusCompleted, evs[0].NewStatus)
	assert.Equal(t, "exec-1", evs[0].ExecutionID)

	transitions := f.logs.FilterMessage("Orchestrator transition").All()
	require.NotEmpty(t, transitions)
	first := transitions[0].ContextMap()
	assert.Equal(t, "Validate", first["from"])
	assert.Equal(t, "Dispatch", first["to"])
	assert.Equal(t, "exec-1", first["execution_id"])
}

func TestRun_InvalidConfigurationFails(t *testing.T) {
	job := jobstoretest.NewJob("u1", "sim-1")
	job.Configuration.Resolution = "9x9"
	f := newFixture(t, job)

	require.NoError(t, f.orch.Run(context.Background(), f.key, ""))

	got := f.get(t)
	assert.Equal(t, simulation.StatusFailed, got.Status)
	assert.Equal(t, simulation.KindValidation, got.FailureKind)
	assert.Contains(t, got.StatusDetails, "resolution")
	assert.Empty(t, f.backend.Submitted())

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, simulation.StatusSubmitted, evs[0].OldStatus)
	assert.Equal(t, simulation.StatusFailed, evs[0].NewStatus)
}

func TestRun_DispatchFailure(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	f.backend.SubmitErr = errors.New("queue disabled")

	require.NoError(t, f.orch.Run(context.Background(), f.key, ""))

	got := f.get(t)
	assert.Equal(t, simulation.StatusFailed, got.Status)
	assert.Equal(t, simulation.KindDispatch, got.FailureKind)
	assert.Contains(t, got.StatusDetails, "queue disabled")
	assert.Nil(t, got.Compute)
	assert.Empty(t, f.sleeps)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, simulation.KindDispatch, evs[0].FailureKind)
}

func TestRun_ComputeFailure(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	stop := start.Add(time.Minute)
	exit := 137
	f.backend.Script("job-1", compute.Description{
		Status:    "FAILED",
		Reason:    "OutOfMemoryError: Container killed due to memory usage",
		StartedAt: &start,
		StoppedAt: &stop,
		ExitCode:  &exit,
	})

	require.NoError(t, f.orch.Run(context.Background(), f.key, ""))

	got := f.get(t)
	assert.Equal(t, simulation.StatusFailed, got.Status)
	assert.Equal(t, simulation.KindComputeFailed, got.FailureKind)
	assert.Contains(t, got.StatusDetails, "OutOfMemoryError")
	assert.Contains(t, got.StatusDetails, "exit code 137")
	assert.Nil(t, got.Results)
	assert.Nil(t, got.Metrics.ActualCost)
	assert.Equal(t, 1.25, got.Metrics.EstimatedCost)
}

func TestRun_UnknownThenRecovers(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	f.backend.Script("job-1", finished(start, 420, 0))
	f.put(t, "out.nc", "x")
	f.backend.DescribeErr = errors.New("throttled")
	f.onWait = func(n int) {
		if n == 1 {
			got := f.get(t)
			assert.Equal(t, simulation.StatusUnknown, got.Status)
			f.backend.DescribeErr = nil
		}
	}

	require.NoError(t, f.orch.Run(context.Background(), f.key, ""))

	assert.Equal(t, simulation.StatusCompleted, f.get(t).Status)
	assert.Equal(t, 1, f.recorder.polls[monitor.DecisionUnknown])
	assert.Len(t, f.sleeps, 1)
}

func TestRun_WallClockTimeout(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	f.backend.Script("job-1", compute.Description{Status: "RUNNING"})
	f.onWait = func(int) { f.now = time.Now().Add(49 * time.Hour) }

	require.NoError(t, f.orch.Run(context.Background(), f.key, ""))

	got := f.get(t)
	assert.Equal(t, simulation.StatusFailed, got.Status)
	assert.Equal(t, simulation.KindTimeout, got.FailureKind)
	assert.Contains(t, got.StatusDetails, "wall-clock")

	reason, ok := f.backend.Terminated("job-1")
	assert.True(t, ok)
	assert.Contains(t, reason, "wall-clock")
}

func TestRun_CancelledWhileWaiting(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	f.backend.Script("job-1", compute.Description{Status: "RUNNABLE"})
	f.onWait = func(int) {
		_, err := f.store.Update(context.Background(), f.key, jobstore.SetStatus(simulation.StatusCancelled, "cancelled by user"))
		require.NoError(t, err)
	}

	require.NoError(t, f.orch.Run(context.Background(), f.key, "exec-1"))

	got := f.get(t)
	assert.Equal(t, simulation.StatusCancelled, got.Status)
	assert.Nil(t, got.Workflow)
	assert.Empty(t, f.events.Events())
	assert.Equal(t, 1, f.backend.Describes("job-1"))
}

func TestRun_ResumesFromStoredRecord(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	patch := jobstore.SetStatus(simulation.StatusRunning, "dispatched")
	patch.Compute = &simulation.ComputeHandle{JobID: "job-7"}
	_, err := f.store.Update(context.Background(), f.key, patch)
	require.NoError(t, err)

	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	f.backend.Script("job-7", finished(start, 600, 0))
	f.put(t, "out.nc", "x")

	require.NoError(t, f.orch.Run(context.Background(), f.key, "exec-2"))

	assert.Empty(t, f.backend.Submitted())
	got := f.get(t)
	assert.Equal(t, simulation.StatusCompleted, got.Status)
	require.NotNil(t, got.Runtime.RuntimeSeconds)
	assert.Equal(t, 600.0, *got.Runtime.RuntimeSeconds)
	assert.NotEmpty(t, f.logs.FilterMessage("Resuming simulation").All())
}

func TestRun_TerminalRecordIsNoop(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	_, err := f.store.Update(context.Background(), f.key, jobstore.SetStatus(simulation.StatusCancelled, "x"))
	require.NoError(t, err)
	before := f.get(t)

	require.NoError(t, f.orch.Run(context.Background(), f.key, "exec-1"))

	assert.Equal(t, before.Version, f.get(t).Version)
	assert.Empty(t, f.backend.Submitted())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	f.backend.Script("job-1", compute.Description{Status: "RUNNING"})
	ctx, cancel := context.WithCancel(context.Background())
	f.onWait = func(int) { cancel() }

	err := f.orch.Run(ctx, f.key, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, simulation.StatusRunning, f.get(t).Status)
}

var errThroughput = errors.New("ProvisionedThroughputExceededException: rate of requests exceeds the allowed throughput")

// throttledStore rejects the first write of each matching kind.
type throttledStore struct {
	*file.Store
	runtimeFailures int
	metricsFailures int
	getFailures     int
	undeadlined     int
}

func (s *throttledStore) Get(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	if _, ok := ctx.Deadline(); !ok {
		s.undeadlined++
	}
	if s.getFailures > 0 {
		s.getFailures--
		return nil, errThroughput
	}
	return s.Store.Get(ctx, key)
}

func (s *throttledStore) Update(ctx context.Context, key simulation.Key, p jobstore.Patch) (*simulation.Job, error) {
	if _, ok := ctx.Deadline(); !ok {
		s.undeadlined++
	}
	if p.Runtime != nil && s.runtimeFailures > 0 {
		s.runtimeFailures--
		return nil, errThroughput
	}
	if p.Metrics != nil && s.metricsFailures > 0 {
		s.metricsFailures--
		return nil, errThroughput
	}
	return s.Store.Update(ctx, key, p)
}

func TestRun_ThrottledStoreIsRetried(t *testing.T) {
	var throttled *throttledStore
	f := newFixtureWith(t, jobstoretest.NewJob("u1", "sim-1"), func(s *file.Store) jobstore.Store {
		throttled = &throttledStore{Store: s, runtimeFailures: 1, metricsFailures: 1}
		return throttled
	})
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	f.backend.Script("job-1",
		compute.Description{Status: "RUNNING", StartedAt: &start},
		finished(start, 420, 16),
	)
	f.put(t, "out.nc", "x")

	require.NoError(t, f.orch.Run(context.Background(), f.key, "exec-1"))

	got := f.get(t)
	assert.Equal(t, simulation.StatusCompleted, got.Status)
	assert.Nil(t, got.Workflow)
	require.NotNil(t, got.Metrics.ActualCost)
	assert.Equal(t, 0, throttled.runtimeFailures)
	assert.Equal(t, 0, throttled.metricsFailures)
	assert.Zero(t, throttled.undeadlined)
	assert.Len(t, f.sleeps, 2)
	assert.Len(t, f.logs.FilterMessage("Transient failure; retrying after wait").All(), 2)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, simulation.StatusCompleted, evs[0].NewStatus)
}

func TestStep_MonitorStoreFailureWaits(t *testing.T) {
	var throttled *throttledStore
	f := newFixtureWith(t, jobstoretest.NewJob("u1", "sim-1"), func(s *file.Store) jobstore.Store {
		throttled = &throttledStore{Store: s, getFailures: 1}
		return throttled
	})

	next, err := f.orch.Step(context.Background(), StepInput{Key: f.key, State: StateMonitor})
	require.NoError(t, err)
	assert.Equal(t, StateWait, next)
}

func TestRun_ThrottledStoreStillHitsWallClock(t *testing.T) {
	var throttled *throttledStore
	f := newFixtureWith(t, jobstoretest.NewJob("u1", "sim-1"), func(s *file.Store) jobstore.Store {
		throttled = &throttledStore{Store: s, runtimeFailures: 1000}
		return throttled
	})
	f.backend.Script("job-1", compute.Description{Status: "RUNNING", Reason: "running"})
	f.onWait = func(n int) {
		if n == 3 {
			f.now = time.Now().Add(49 * time.Hour)
		}
	}

	require.NoError(t, f.orch.Run(context.Background(), f.key, ""))

	got := f.get(t)
	assert.Equal(t, simulation.StatusFailed, got.Status)
	assert.Equal(t, simulation.KindTimeout, got.FailureKind)
	assert.Len(t, f.sleeps, 3)
}

func TestEntry(t *testing.T) {
	tests := []struct {
		name string
		job  simulation.Job
		want State
	}{
		{"submitted", simulation.Job{Status: simulation.StatusSubmitted}, StateValidate},
		{"dispatched", simulation.Job{Status: simulation.StatusRunning, Compute: &simulation.ComputeHandle{JobID: "j"}}, StateMonitor},
		{"unknown", simulation.Job{Status: simulation.StatusUnknown, Compute: &simulation.ComputeHandle{JobID: "j"}}, StateMonitor},
		{"succeeded", simulation.Job{Status: simulation.StatusSucceeded, Compute: &simulation.ComputeHandle{JobID: "j"}}, StateProcessResults},
		{"indexed", simulation.Job{Status: simulation.StatusSucceeded, Compute: &simulation.ComputeHandle{JobID: "j"}, Results: &simulation.ResultMetadata{}}, StateMarkCompleted},
		{"completed", simulation.Job{Status: simulation.StatusCompleted}, StateDone},
		{"cancelled", simulation.Job{Status: simulation.StatusCancelled}, StateDone},
	}
	for _, tt := range tests {
		if got := Entry(&tt.job); got != tt.want {
			t.Fatalf("Entry(%s) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateValidate, StateDispatch, StateMonitor, StateWait, StateProcessResults, StateMarkCompleted, StateMarkFailed, StateDone} {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseState(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseState("Sleep"); err == nil {
		t.Fatalf("ParseState(Sleep) error = nil")
	}
}

func TestStep_UnknownState(t *testing.T) {
	f := newFixture(t, jobstoretest.NewJob("u1", "sim-1"))
	_, err := f.orch.Step(context.Background(), StepInput{Key: f.key, State: "Sleep"})
	require.Error(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}
