package local

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
)

type fakeScanner struct{ jobs []*simulation.Job }

func (f fakeScanner) ScanActive(context.Context) ([]*simulation.Job, error) { return f.jobs, nil }

func blockingRunner(started chan<- simulation.Key) RunnerFunc {
	return func(ctx context.Context, key simulation.Key, _ string) error {
		started <- key
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestEngine_ExactlyOneExecutionPerSimulation(t *testing.T) {
	started := make(chan simulation.Key, 4)
	e := New(blockingRunner(started), nil)
	defer func() { _ = e.Shutdown(context.Background()) }()

	key := simulation.Key{UserID: "u1", SimulationID: "sim-1"}
	h, err := e.Start(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, IsLocalExecution(h.ExecutionID))
	<-started

	_, err = e.Start(context.Background(), key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrAlreadyRunning))

	other := simulation.Key{UserID: "u1", SimulationID: "sim-2"}
	_, err = e.Start(context.Background(), other)
	require.NoError(t, err)
}

func TestEngine_StopCancelsExecution(t *testing.T) {
	started := make(chan simulation.Key, 1)
	e := New(blockingRunner(started), nil)
	defer func() { _ = e.Shutdown(context.Background()) }()

	key := simulation.Key{UserID: "u1", SimulationID: "sim-1"}
	h, err := e.Start(context.Background(), key)
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Stop(context.Background(), *h, "cancelled"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = e.Wait(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return !e.Running(key) }, time.Second, 5*time.Millisecond)

	// The simulation can be started again once the previous execution is gone.
	_, err = e.Start(context.Background(), key)
	require.NoError(t, err)
}

func TestEngine_StopWithDoneContextLeavesExecution(t *testing.T) {
	started := make(chan simulation.Key, 1)
	e := New(blockingRunner(started), nil)
	defer func() { _ = e.Shutdown(context.Background()) }()

	key := simulation.Key{UserID: "u1", SimulationID: "sim-1"}
	h, err := e.Start(context.Background(), key)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Stop(ctx, *h, "cancelled")
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, e.Running(key))
}

func TestEngine_StopUnknown(t *testing.T) {
	e := New(RunnerFunc(func(context.Context, simulation.Key, string) error { return nil }), nil)
	err := e.Stop(context.Background(), simulation.WorkflowHandle{ExecutionID: "local:x:y"}, "")
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
}

func TestEngine_WaitReturnsRunnerError(t *testing.T) {
	boom := errors.New("boom")
	release := make(chan struct{})
	e := New(RunnerFunc(func(context.Context, simulation.Key, string) error {
		<-release
		return boom
	}), nil)

	key := simulation.Key{UserID: "u1", SimulationID: "sim-1"}
	_, err := e.Start(context.Background(), key)
	require.NoError(t, err)
	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	err = e.Wait(context.Background(), key)
	assert.ErrorIs(t, err, boom)
}

func TestEngine_Resume(t *testing.T) {
	var runs atomic.Int32
	e := New(RunnerFunc(func(context.Context, simulation.Key, string) error {
		runs.Add(1)
		return nil
	}), nil)

	n, err := e.Resume(context.Background(), fakeScanner{jobs: []*simulation.Job{
		{UserID: "u1", SimulationID: "a", Status: simulation.StatusRunning},
		{UserID: "u2", SimulationID: "b", Status: simulation.StatusSubmitted},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, int32(2), runs.Load())
}

func TestEngine_StartAfterShutdown(t *testing.T) {
	e := New(RunnerFunc(func(context.Context, simulation.Key, string) error { return nil }), nil)
	require.NoError(t, e.Shutdown(context.Background()))
	_, err := e.Start(context.Background(), simulation.Key{UserID: "u", SimulationID: "s"})
	require.Error(t, err)
}
