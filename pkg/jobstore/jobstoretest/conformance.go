// Package jobstoretest holds the behavioral test suite every jobstore.Store
// backend must pass.
package jobstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// NewJob returns a minimal record for user/sim.
func NewJob(user, sim string) *simulation.Job {
	return &simulation.Job{
		UserID:       user,
		SimulationID: sim,
		Name:         "test " + sim,
		Configuration: simulation.Configuration{
			SimulationType: simulation.TypeClassic,
			Resolution:     "4x5",
			StartDate:      "2024-01-01",
			EndDate:        "2024-01-08",
			ProcessorType:  simulation.ProcessorGraviton3,
			InstanceSize:   "medium",
			UseSpot:        true,
		},
		Metrics: simulation.Metrics{EstimatedCost: 1.25},
	}
}

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) jobstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("u1", "sim-1")))

		got, err := s.Get(ctx, simulation.Key{UserID: "u1", SimulationID: "sim-1"})
		require.NoError(t, err)
		assert.Equal(t, simulation.StatusSubmitted, got.Status)
		assert.Equal(t, "4x5", got.Configuration.Resolution)
		assert.Equal(t, 1.25, got.Metrics.EstimatedCost)
		assert.Equal(t, int64(1), got.Version)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("DuplicateCreateRejected", func(t *testing.T) {
		s := newStore(t)
		first := NewJob("u1", "sim-1")
		require.NoError(t, s.Create(ctx, first))

		second := NewJob("u1", "sim-1")
		second.Name = "overwrite attempt"
		err := s.Create(ctx, second)
		require.Error(t, err)
		assert.True(t, jobstore.IsAlreadyExists(err), "got %v", err)

		got, err := s.Get(ctx, first.Key())
		require.NoError(t, err)
		assert.Equal(t, "test sim-1", got.Name)

		all, err := s.Query(ctx, "u1", jobstore.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ConcurrentCreateExactlyOne", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Create(ctx, NewJob("u1", "sim-race")); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, simulation.Key{UserID: "u1", SimulationID: "nope"})
		require.Error(t, err)
		assert.True(t, jobstore.IsNotFound(err), "got %v", err)
	})

	t.Run("UpdateAppliesAllAttributes", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("u1", "sim-1")
		require.NoError(t, s.Create(ctx, job))

		running := simulation.StatusRunning
		details := "dispatched"
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		got, err := s.Update(ctx, job.Key(), jobstore.Patch{
			Status:        &running,
			StatusDetails: &details,
			LastChecked:   &now,
			Compute:       &simulation.ComputeHandle{JobID: "batch-1", Queue: "q", JobDefinition: "d"},
		})
		require.NoError(t, err)
		assert.Equal(t, simulation.StatusRunning, got.Status)
		assert.Equal(t, int64(2), got.Version)

		reread, err := s.Get(ctx, job.Key())
		require.NoError(t, err)
		require.NotNil(t, reread.Compute)
		assert.Equal(t, "batch-1", reread.Compute.JobID)
		assert.Equal(t, "dispatched", reread.StatusDetails)
		require.NotNil(t, reread.LastChecked)
		assert.True(t, now.Equal(*reread.LastChecked))
	})

	t.Run("TerminalIsAbsorbing", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("u1", "sim-1")
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusCancelled, "cancelled by user"))
		require.NoError(t, err)

		_, err = s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusRunning, "late poll"))
		require.Error(t, err)
		assert.True(t, jobstore.IsTerminal(err), "got %v", err)

		got, err := s.Get(ctx, job.Key())
		require.NoError(t, err)
		assert.Equal(t, simulation.StatusCancelled, got.Status)
		assert.Equal(t, "cancelled by user", got.StatusDetails)
	})

	t.Run("InvalidTransitionRejected", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("u1", "sim-1")
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Update(ctx, job.Key(), jobstore.SetStatus(simulation.StatusCompleted, "skip ahead"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, jobstore.ErrInvalidTransition), "got %v", err)
	})

	t.Run("QueryFiltersAndSorts", func(t *testing.T) {
		s := newStore(t)
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 4; i++ {
			j := NewJob("u1", fmt.Sprintf("sim-%d", i))
			j.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, s.Create(ctx, j))
		}
		require.NoError(t, s.Create(ctx, NewJob("u2", "other")))

		_, err := s.Update(ctx, simulation.Key{UserID: "u1", SimulationID: "sim-0"},
			jobstore.SetStatus(simulation.StatusFailed, "boom"))
		require.NoError(t, err)

		all, err := s.Query(ctx, "u1", jobstore.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "sim-3", all[0].SimulationID)

		active, err := s.Query(ctx, "u1", jobstore.Filter{ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, active, 3)

		failed, err := s.Query(ctx, "u1", jobstore.Filter{Statuses: []simulation.Status{simulation.StatusFailed}})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "sim-0", failed[0].SimulationID)

		limited, err := s.Query(ctx, "u1", jobstore.Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("ScanActive", func(t *testing.T) {
		s := newStore(t)
		scanner, ok := s.(jobstore.ActiveScanner)
		if !ok {
			t.Skip("store does not implement ActiveScanner")
		}
		require.NoError(t, s.Create(ctx, NewJob("u1", "a")))
		require.NoError(t, s.Create(ctx, NewJob("u2", "b")))
		_, err := s.Update(ctx, simulation.Key{UserID: "u2", SimulationID: "b"},
			jobstore.SetStatus(simulation.StatusCancelled, ""))
		require.NoError(t, err)

		got, err := scanner.ScanActive(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].SimulationID)
	})
}
