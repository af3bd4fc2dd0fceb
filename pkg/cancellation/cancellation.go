// Package cancellation finalizes a simulation as CANCELLED.
//
// Cancellation is a best-effort dual stop (workflow execution, then compute
// job) followed by an unconditional terminal write. A stop signal that fails
// to land is logged and reported, but never prevents the record from
// reaching CANCELLED.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
)

// DefaultReason is recorded when the caller gives none.
const DefaultReason = "cancelled by user"

// Result describes a completed cancellation.
type Result struct {
	Job *simulation.Job

	// Partial holds the stop signals that failed, or nil. The record is
	// CANCELLED either way.
	Partial error
}

// Config configures a Coordinator.
type Config struct {
	// CallTimeout bounds each stop call.
	CallTimeout time.Duration

	// WriteAttempts bounds retries of the terminal write.
	WriteAttempts uint
}

// Coordinator cancels simulations.
type Coordinator struct {
	store     jobstore.Store
	engine    workflow.Engine
	backend   compute.Backend
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Coordinator. engine and backend may be nil when the
// corresponding stop is not available; publisher may be nil.
func New(store jobstore.Store, engine workflow.Engine, backend compute.Backend, publisher events.Publisher, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.WriteAttempts == 0 {
		cfg.WriteAttempts = 5
	}
	return &Coordinator{
		store:     store,
		engine:    engine,
		backend:   backend,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Cancel stops and finalizes the simulation for key.
//
// A record that is not in a cancellable status is rejected with a CONFLICT
// error naming its current status, and is left unchanged.
func (c *Coordinator) Cancel(ctx context.Context, key simulation.Key, reason string) (*Result, error) {
	if reason == "" {
		reason = DefaultReason
	}

	job, err := c.store.Get(ctx, key)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return nil, simulation.NewError(simulation.KindNotFound, "cancel", key.String(), err)
		}
		return nil, err
	}
	if !job.Status.IsCancellable() {
		return nil, simulation.Conflict("cancel", job.Status)
	}
	oldStatus := job.Status

	var partial *multierror.Error
	if job.Workflow != nil && job.Workflow.ExecutionID != "" && c.engine != nil {
		if err := c.stopWorkflow(ctx, *job.Workflow, reason); err != nil {
			partial = multierror.Append(partial, err)
		}
	}
	if job.Compute != nil && job.Compute.JobID != "" && c.backend != nil {
		if err := c.terminate(ctx, job.Compute.JobID, reason); err != nil {
			partial = multierror.Append(partial, err)
		}
	}

	details := reason
	if partial != nil {
		partial.ErrorFormat = joinErrors
		details = fmt.Sprintf("%s (stop signals incomplete: %v)", reason, partial.ErrorOrNil())
		c.logger.Warn("Cancellation stop signals partially failed",
			zap.String("simulation_id", key.SimulationID),
			zap.String("user_id", key.UserID),
			zap.Error(partial))
	}

	final, err := c.writeCancelled(ctx, key, details, partial != nil)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Simulation cancelled",
		zap.String("simulation_id", key.SimulationID),
		zap.String("user_id", key.UserID),
		zap.String("from", string(oldStatus)),
		zap.String("to", string(simulation.StatusCancelled)))

	c.publish(ctx, final, oldStatus)

	res := &Result{Job: final}
	if partial != nil {
		res.Partial = simulation.NewError(simulation.KindCancellationPartial, "cancel", "stop signals incomplete", partial.ErrorOrNil())
	}
	return res, nil
}

func (c *Coordinator) stopWorkflow(ctx context.Context, h simulation.WorkflowHandle, reason string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	err := c.engine.Stop(callCtx, h, reason)
	if err == nil || errors.Is(err, workflow.ErrExecutionNotFound) {
		return nil
	}
	return fmt.Errorf("stop workflow %s: %w", h.ExecutionID, err)
}

func (c *Coordinator) terminate(ctx context.Context, jobID, reason string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	err := c.backend.Terminate(callCtx, jobID, reason)
	if err == nil || compute.IsJobNotFound(err) {
		return nil
	}
	return fmt.Errorf("terminate compute job %s: %w", jobID, err)
}

// writeCancelled retries the terminal write until it lands. Only a record
// that turned terminal underneath it stops the retries.
func (c *Coordinator) writeCancelled(ctx context.Context, key simulation.Key, details string, partial bool) (*simulation.Job, error) {
	now := c.now().UTC()
	patch := jobstore.SetStatus(simulation.StatusCancelled, details)
	patch.CancelledAt = &now
	patch.ClearWorkflow = true
	if partial {
		kind := simulation.KindCancellationPartial
		patch.FailureKind = &kind
	}

	var final *simulation.Job
	err := retry.Do(
		func() error {
			job, err := c.store.Update(ctx, key, patch)
			if err != nil {
				if errors.Is(err, jobstore.ErrTerminal) || errors.Is(err, jobstore.ErrInvalidTransition) || jobstore.IsNotFound(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			final = job
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.WriteAttempts),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return final, nil
	}

	if errors.Is(err, jobstore.ErrTerminal) || errors.Is(err, jobstore.ErrInvalidTransition) {
		current, gerr := c.store.Get(ctx, key)
		if gerr == nil {
			return nil, simulation.Conflict("cancel", current.Status)
		}
	}
	return nil, simulation.NewError(simulation.KindInternal, "cancel", "failed to record cancellation", err)
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (c *Coordinator) publish(ctx context.Context, job *simulation.Job, old simulation.Status) {
	ev := events.Event{
		SimulationID: job.SimulationID,
		UserID:       job.UserID,
		OldStatus:    old,
		NewStatus:    job.Status,
		Details:      job.StatusDetails,
		FailureKind:  job.FailureKind,
		Metrics:      job.Metrics,
		Timestamp:    c.now().UTC(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("Failed to publish status event",
			zap.String("simulation_id", job.SimulationID),
			zap.Error(err))
	}
}
