package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

func TestForDisplay(t *testing.T) {
	actual := 3.14159265
	hours := 0.00001
	job := &simulation.Job{
		SimulationID: "sim-1",
		Metrics:      simulation.Metrics{EstimatedCost: 2.718281828, ActualCost: &actual, HoursPerSimDay: &hours},
	}

	got := ForDisplay(job)
	assert.Equal(t, "sim-1", got.SimulationID)
	assert.Equal(t, 2.7183, got.Metrics.EstimatedCost)
	assert.Equal(t, 3.1416, *got.Metrics.ActualCost)
	assert.Equal(t, hours, *got.Metrics.HoursPerSimDay)

	assert.Equal(t, 2.718281828, job.Metrics.EstimatedCost)
	assert.Equal(t, 3.14159265, *job.Metrics.ActualCost)

	assert.Nil(t, ForDisplay(nil))
	assert.NotNil(t, ForDisplayAll(nil))
	assert.Empty(t, ForDisplayAll(nil))
	assert.Nil(t, (*Submission)(nil).ForDisplay())
}

func TestSubmit_StoresFullPrecisionEstimate(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Script("job-1", succeeded(420))
	req := request("alice", "sim-precise")
	want := costmodel.EstimateFor(req.Configuration.WithDefaults()).TotalCost

	sub, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, want, sub.Job.Metrics.EstimatedCost)
	assert.Equal(t, want, sub.Estimate.TotalCost)

	job := f.wait(t, sub.Job.Key())
	assert.Equal(t, simulation.StatusCompleted, job.Status)
	assert.Equal(t, want, job.Metrics.EstimatedCost)
	assert.Equal(t, costmodel.Round(want, 4), sub.ForDisplay().Job.Metrics.EstimatedCost)
}
