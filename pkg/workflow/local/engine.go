// Package local implements workflow.Engine in-process.
//
// Each execution is a goroutine running the orchestrator for one simulation.
// Durability comes from the Metadata Store: the orchestrator derives its
// re-entry state from the stored record, so Resume after a restart picks up
// every non-terminal simulation where it left off.
package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
)

// Runner drives one simulation to a terminal state.
type Runner interface {
	Run(ctx context.Context, key simulation.Key, executionID string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, key simulation.Key, executionID string) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, key simulation.Key, executionID string) error {
	return f(ctx, key, executionID)
}

type execution struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Engine implements workflow.Engine with goroutines.
type Engine struct {
	runner Runner
	logger *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu    sync.Mutex
	execs map[simulation.Key]*execution
	wg    sync.WaitGroup
}

var _ workflow.Engine = (*Engine)(nil)

// New returns an Engine. Executions outlive the ctx passed to Start; they
// stop on Stop or Shutdown.
func New(runner Runner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		runner:     runner,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		execs:      make(map[simulation.Key]*execution),
	}
}

// Start implements workflow.Engine.
func (e *Engine) Start(ctx context.Context, key simulation.Key) (*simulation.WorkflowHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.base.Err(); err != nil {
		return nil, fmt.Errorf("engine is shut down: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.execs[key]; ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrAlreadyRunning, key)
	}

	runCtx, cancel := context.WithCancel(e.base)
	ex := &execution{
		id:     fmt.Sprintf("local:%s:%s", key.SimulationID, uuid.NewString()),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.execs[key] = ex
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(ex.done)
		defer cancel()

		err := e.runner.Run(runCtx, key, ex.id)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Workflow execution failed",
				zap.String("execution_id", ex.id),
				zap.String("simulation_id", key.SimulationID),
				zap.String("user_id", key.UserID),
				zap.Error(err))
		}

		e.mu.Lock()
		ex.err = err
		if cur, ok := e.execs[key]; ok && cur == ex {
			delete(e.execs, key)
		}
		e.mu.Unlock()
	}()

	e.logger.Debug("Workflow execution started",
		zap.String("execution_id", ex.id),
		zap.String("simulation_id", key.SimulationID))
	return &simulation.WorkflowHandle{ExecutionID: ex.id}, nil
}

// Stop implements workflow.Engine.
func (e *Engine) Stop(ctx context.Context, handle simulation.WorkflowHandle, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, ex := range e.execs {
		if ex.id == handle.ExecutionID {
			e.logger.Info("Stopping workflow execution",
				zap.String("execution_id", ex.id),
				zap.String("simulation_id", key.SimulationID),
				zap.String("cause", cause))
			ex.cancel()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, handle.ExecutionID)
}

// Running reports whether an execution for key is active.
func (e *Engine) Running(key simulation.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.execs[key]
	return ok
}

// Wait blocks until the execution for key finishes or ctx is done, and
// returns the runner's error. It returns nil if no execution is active.
func (e *Engine) Wait(ctx context.Context, key simulation.Key) error {
	e.mu.Lock()
	ex, ok := e.execs[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ex.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return ex.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume starts executions for every non-terminal record in the store and
// returns how many were started. Records that already have a running
// execution are skipped.
func (e *Engine) Resume(ctx context.Context, scanner jobstore.ActiveScanner) (int, error) {
	jobs, err := scanner.ScanActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan active simulations: %w", err)
	}
	started := 0
	for _, job := range jobs {
		if _, err := e.Start(ctx, job.Key()); err != nil {
			if errors.Is(err, workflow.ErrAlreadyRunning) {
				continue
			}
			return started, err
		}
		started++
	}
	if started > 0 {
		e.logger.Info("Resumed workflow executions", zap.Int("count", started))
	}
	return started, nil
}

// Shutdown cancels all executions and waits for them to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancelBase()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLocalExecution reports whether an execution id was issued by this engine type.
func IsLocalExecution(executionID string) bool {
	return strings.HasPrefix(executionID, "local:")
}
