// Package workflow defines the Workflow Engine collaborator: the execution
// substrate that drives one orchestrator instance per simulation.
//
// Engines guarantee at most one active execution per simulation id.
package workflow

import (
	"context"
	"errors"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// Engine starts and stops orchestrator executions.
type Engine interface {
	// Start begins an execution for key. It returns ErrAlreadyRunning if an
	// execution for the same simulation is active.
	Start(ctx context.Context, key simulation.Key) (*simulation.WorkflowHandle, error)

	// Stop requests the execution identified by handle to stop.
	Stop(ctx context.Context, handle simulation.WorkflowHandle, cause string) error
}

// Sentinel errors for workflow operations.
var (
	// ErrAlreadyRunning indicates an execution for the simulation is active.
	ErrAlreadyRunning = errors.New("workflow already running")

	// ErrExecutionNotFound indicates the engine has no such execution.
	ErrExecutionNotFound = errors.New("workflow execution not found")
)

// Input is the execution payload handed to engines that serialize it.
type Input struct {
	UserID       string `json:"userId"`
	SimulationID string `json:"simulationId"`
}
