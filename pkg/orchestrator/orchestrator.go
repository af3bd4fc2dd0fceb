// Package orchestrator drives one simulation through its lifecycle:
//
//	Validate -> Dispatch -> Monitor -> {Succeeded | Failed | InProgress | Unknown}
//	InProgress, Unknown -> Wait -> Monitor
//	Succeeded -> ProcessResults -> MarkCompleted (terminal)
//	Failed -> MarkFailed (terminal)
//
// Step executes exactly one state and returns the next, so any execution
// substrate can drive it: the in-process engine loops via Run, a Step
// Functions state machine invokes one Step per task state. The record in the
// metadata store is the only state carried between steps, which is what makes
// an interrupted run resumable: Entry derives the re-entry state from it.
//
// Cancellation is out-of-band. Every write here is guarded by the store's
// status graph, so a record cancelled mid-run simply ends the loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/monitor"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/results"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/validator"
)

// State is an orchestrator state name. Values are stable; Step Functions
// definitions reference them.
type State string

const (
	StateValidate       State = "Validate"
	StateDispatch       State = "Dispatch"
	StateMonitor        State = "Monitor"
	StateWait           State = "Wait"
	StateProcessResults State = "ProcessResults"
	StateMarkCompleted  State = "MarkCompleted"
	StateMarkFailed     State = "MarkFailed"
	StateDone           State = "Done"
)

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateValidate, StateDispatch, StateMonitor, StateWait,
		StateProcessResults, StateMarkCompleted, StateMarkFailed, StateDone:
		return st, nil
	}
	return "", fmt.Errorf("unknown orchestrator state %q", s)
}

// Defaults.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultMaxWallClock = time.Duration(simulation.MaxTimeoutHours * float64(time.Hour))
)

// Config tunes the loop.
type Config struct {
	// PollInterval is the fixed Wait duration.
	PollInterval time.Duration

	// PollJitter adds a uniformly random [0, PollJitter) to each wait. Zero
	// keeps the fixed interval.
	PollJitter time.Duration

	// MaxWallClock is the hard ceiling measured from dispatch.
	MaxWallClock time.Duration

	// CallTimeout bounds each metadata store call and the best-effort
	// terminate on timeout. Exceeding it is a transient failure.
	CallTimeout time.Duration
}

// Validator checks a configuration.
type Validator interface {
	Validate(ctx context.Context, userID string, cfg simulation.Configuration) *validator.Result
}

// Dispatcher submits a simulation to the compute backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, key simulation.Key) (*simulation.Job, error)
}

// Poller runs one monitor poll.
type Poller interface {
	Poll(ctx context.Context, key simulation.Key) (*monitor.Observation, error)
}

// Indexer indexes outputs after success.
type Indexer interface {
	Process(ctx context.Context, job *simulation.Job) (*simulation.ResultMetadata, *results.Manifest, error)
}

// Recorder receives lifecycle measurements. Terminal transitions are
// reported through the events publisher instead.
type Recorder interface {
	ObservePoll(decision monitor.Decision, bucket monitor.Bucket)
	ObserveDispatch(err error)
	ObserveRuntime(seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(monitor.Decision, monitor.Bucket) {}
func (nopRecorder) ObserveDispatch(error)                        {}
func (nopRecorder) ObserveRuntime(float64)                       {}

// Deps are the collaborators. Store, Validator, Dispatcher, Poller and
// Indexer are required.
type Deps struct {
	Store      jobstore.Store
	Validator  Validator
	Dispatcher Dispatcher
	Poller     Poller
	Indexer    Indexer

	// Backend is used only to terminate a job that exceeds the wall clock.
	Backend   compute.Backend
	Publisher events.Publisher
	Recorder  Recorder
	Logger    *zap.Logger
}

// Orchestrator runs the lifecycle state machine.
type Orchestrator struct {
	d     Deps
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the Wait implementation.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New validates deps and returns an Orchestrator.
func New(d Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case d.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case d.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case d.Poller == nil:
		return nil, errors.New("orchestrator: poller is required")
	case d.Indexer == nil:
		return nil, errors.New("orchestrator: indexer is required")
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollJitter < 0 {
		cfg.PollJitter = 0
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = DefaultMaxWallClock
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	o := &Orchestrator{d: d, cfg: cfg, now: time.Now, sleep: sleepCtx}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entry derives the state to (re-)enter from a stored record.
func Entry(job *simulation.Job) State {
	switch {
	case job.Status.IsTerminal():
		return StateDone
	case job.Status == simulation.StatusSucceeded && job.Results != nil:
		return StateMarkCompleted
	case job.Status == simulation.StatusSucceeded:
		return StateProcessResults
	case job.Compute != nil:
		return StateMonitor
	default:
		return StateValidate
	}
}

// Run drives key to a terminal state. executionID identifies the caller's
// execution and is recorded on the record while the run is alive.
//
// Run returns nil once the record is terminal, and ctx.Err() when stopped.
// Metadata store failures after dispatch are retried on the poll interval
// until the wall-clock ceiling fails the simulation. Any other error releases
// the execution handle so the record can be resumed.
func (o *Orchestrator) Run(ctx context.Context, key simulation.Key, executionID string) error {
	job, err := o.get(ctx, key)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() && executionID != "" &&
		(job.Workflow == nil || job.Workflow.ExecutionID != executionID) {
		if _, err := o.update(ctx, key, jobstore.Patch{
			Workflow: &simulation.WorkflowHandle{ExecutionID: executionID},
		}); err != nil && !jobstore.IsTerminal(err) {
			return err
		}
	}

	state := Entry(job)
	if state != StateValidate {
		o.d.Logger.Info("Resuming simulation",
			zap.String("simulation_id", key.SimulationID),
			zap.String("user_id", key.UserID),
			zap.String("execution_id", executionID),
			zap.String("status", string(job.Status)),
			zap.String("state", string(state)))
	}

	for state != StateDone {
		state, err = o.Step(ctx, StepInput{Key: key, ExecutionID: executionID, State: state})
		if err != nil {
			if ctx.Err() == nil {
				o.release(key, executionID)
			}
			return err
		}
	}

	o.release(key, executionID)
	return nil
}

func (o *Orchestrator) get(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.d.Store.Get(ctx, key)
}

func (o *Orchestrator) update(ctx context.Context, key simulation.Key, p jobstore.Patch) (*simulation.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.d.Store.Update(ctx, key, p)
}

// retryLater parks the loop in Wait after a transient failure; the next
// Monitor re-enters from the stored record. A missing record, a broken
// invariant or a stopped context is not retried.
func (o *Orchestrator) retryLater(ctx context.Context, key simulation.Key, state State, err error) (State, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if jobstore.IsNotFound(err) || simulation.KindOf(err) == simulation.KindInternal {
		return "", err
	}
	o.d.Logger.Warn("Transient failure; retrying after wait",
		zap.String("simulation_id", key.SimulationID),
		zap.String("user_id", key.UserID),
		zap.String("state", string(state)),
		zap.Error(err))
	return StateWait, nil
}

// release clears the execution handle once the run is over.
func (o *Orchestrator) release(key simulation.Key, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	job, err := o.get(ctx, key)
	if err != nil || job.Workflow == nil {
		return
	}
	if executionID != "" && job.Workflow.ExecutionID != executionID {
		return
	}
	if _, err := o.update(ctx, key, jobstore.Patch{ClearWorkflow: true}); err != nil {
		o.d.Logger.Debug("Failed to clear execution handle",
			zap.String("simulation_id", key.SimulationID), zap.Error(err))
	}
}

// StepInput names the state to execute.
type StepInput struct {
	Key         simulation.Key
	ExecutionID string
	State       State
}

// Step executes one state and returns the next. Errors are infrastructure
// failures (metadata store, cancelled context); lifecycle failures are
// recorded on the record and lead to StateDone.
func (o *Orchestrator) Step(ctx context.Context, in StepInput) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		next State
		err  error
	)
	switch in.State {
	case StateValidate:
		next, err = o.validate(ctx, in.Key)
	case StateDispatch:
		next, err = o.dispatch(ctx, in.Key)
	case StateMonitor:
		next, err = o.monitor(ctx, in.Key)
	case StateWait:
		next, err = o.wait(ctx)
	case StateProcessResults:
		next, err = o.processResults(ctx, in.Key)
	case StateMarkCompleted:
		next, err = o.markCompleted(ctx, in.Key)
	case StateMarkFailed:
		next, err = o.markFailed(ctx, in.Key)
	case StateDone:
		return StateDone, nil
	default:
		return "", fmt.Errorf("unknown orchestrator state %q", in.State)
	}
	if err != nil {
		return "", err
	}

	if next != in.State {
		o.d.Logger.Info("Orchestrator transition",
			zap.String("simulation_id", in.Key.SimulationID),
			zap.String("user_id", in.Key.UserID),
			zap.String("execution_id", in.ExecutionID),
			zap.String("from", string(in.State)),
			zap.String("to", string(next)))
	}
	return next, nil
}

func (o *Orchestrator) validate(ctx context.Context, key simulation.Key) (State, error) {
	job, err := o.get(ctx, key)
	if err != nil {
		return "", err
	}
	if job.Status != simulation.StatusSubmitted {
		if next := Entry(job); next != StateValidate {
			return next, nil
		}
		return o.finalize(ctx, job, simulation.StatusFailed, simulation.KindInternal,
			fmt.Sprintf("cannot dispatch from status %s", job.Status), nil)
	}

	// Quota was enforced at intake; mid-flight validation is structural only.
	res := o.d.Validator.Validate(ctx, "", job.Configuration)
	if !res.Valid {
		return o.finalize(ctx, job, simulation.StatusFailed, simulation.KindValidation, res.Err().Error(), nil)
	}
	return StateDispatch, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, key simulation.Key) (State, error) {
	prev, err := o.get(ctx, key)
	if err != nil {
		return "", err
	}
	job, err := o.d.Dispatcher.Dispatch(ctx, key)
	o.d.Recorder.ObserveDispatch(err)
	if err == nil {
		return StateMonitor, nil
	}

	switch {
	case simulation.KindOf(err) == simulation.KindDispatch:
		// The dispatcher recorded FAILED.
		if job != nil && job.Status.IsTerminal() {
			o.publish(ctx, job, prev.Status)
		}
		return StateDone, nil
	case simulation.IsConflict(err), jobstore.IsTerminal(err):
		current, gerr := o.get(ctx, key)
		if gerr != nil {
			return "", gerr
		}
		if current.Status.IsTerminal() {
			return StateDone, nil
		}
		if current.Compute == nil {
			return o.finalize(ctx, current, simulation.StatusFailed, simulation.KindInternal,
				fmt.Sprintf("cannot dispatch from status %s", current.Status), nil)
		}
		return Entry(current), nil
	default:
		return "", err
	}
}

func (o *Orchestrator) monitor(ctx context.Context, key simulation.Key) (State, error) {
	job, err := o.get(ctx, key)
	if err != nil {
		return o.retryLater(ctx, key, StateMonitor, err)
	}
	if next := Entry(job); next != StateMonitor {
		return next, nil
	}
	if next, done, err := o.checkWallClock(ctx, job); done || err != nil {
		if err != nil {
			return o.retryLater(ctx, key, StateMonitor, err)
		}
		return next, nil
	}

	obs, err := o.d.Poller.Poll(ctx, key)
	if err != nil {
		return o.retryLater(ctx, key, StateMonitor, err)
	}
	o.d.Recorder.ObservePoll(obs.Decision, obs.Bucket)

	switch obs.Decision {
	case monitor.DecisionSucceeded:
		return StateProcessResults, nil
	case monitor.DecisionFailed:
		return StateMarkFailed, nil
	case monitor.DecisionFinalized:
		return StateDone, nil
	default:
		return StateWait, nil
	}
}

// checkWallClock fails the simulation once the ceiling is exceeded.
func (o *Orchestrator) checkWallClock(ctx context.Context, job *simulation.Job) (State, bool, error) {
	started := job.CreatedAt
	if job.SubmittedAt != nil {
		started = *job.SubmittedAt
	}
	elapsed := o.now().Sub(started)
	if elapsed <= o.cfg.MaxWallClock {
		return "", false, nil
	}

	if job.Compute != nil && job.Compute.JobID != "" && o.d.Backend != nil {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		err := o.d.Backend.Terminate(callCtx, job.Compute.JobID, "maximum wall-clock time exceeded")
		cancel()
		if err != nil {
			o.d.Logger.Warn("Failed to terminate timed-out job",
				zap.String("simulation_id", job.SimulationID),
				zap.String("job_id", job.Compute.JobID),
				zap.Error(err))
		}
	}
	detail := fmt.Sprintf("exceeded maximum wall-clock time of %s (elapsed %s)",
		o.cfg.MaxWallClock, elapsed.Truncate(time.Second))
	next, err := o.finalize(ctx, job, simulation.StatusFailed, simulation.KindTimeout, detail, nil)
	return next, true, err
}

func (o *Orchestrator) wait(ctx context.Context) (State, error) {
	d := o.cfg.PollInterval
	if o.cfg.PollJitter > 0 {
		d += rand.N(o.cfg.PollJitter)
	}
	if err := o.sleep(ctx, d); err != nil {
		return "", err
	}
	return StateMonitor, nil
}

func (o *Orchestrator) processResults(ctx context.Context, key simulation.Key) (State, error) {
	job, err := o.get(ctx, key)
	if err != nil {
		return o.retryLater(ctx, key, StateProcessResults, err)
	}
	if job.Status.IsTerminal() {
		return StateDone, nil
	}

	// Indexing failures are carried on the metadata, never promoted.
	meta, _, _ := o.d.Indexer.Process(ctx, job)
	if _, err := o.update(ctx, key, jobstore.Patch{Results: meta}); err != nil {
		if jobstore.IsTerminal(err) {
			return StateDone, nil
		}
		return o.retryLater(ctx, key, StateProcessResults, err)
	}
	return StateMarkCompleted, nil
}

func (o *Orchestrator) markCompleted(ctx context.Context, key simulation.Key) (State, error) {
	job, err := o.get(ctx, key)
	if err != nil {
		return o.retryLater(ctx, key, StateMarkCompleted, err)
	}
	if job.Status.IsTerminal() {
		return StateDone, nil
	}

	metrics := job.Metrics
	if runtime, ok := runtimeSeconds(job); ok {
		in := costmodel.Input{Configuration: job.Configuration.WithDefaults(), RuntimeSeconds: runtime}
		if job.Results != nil {
			in.WallTimeSeconds = job.Results.WallTimeSeconds
			in.CPUTimeSeconds = job.Results.CPUTimeSeconds
		}
		if job.Runtime.ResourceMetrics != nil {
			in.VCPUs = job.Runtime.ResourceMetrics.VCPUs
		}
		metrics = costmodel.Calculate(in)
		metrics.EstimatedCost = job.Metrics.EstimatedCost
		o.d.Recorder.ObserveRuntime(runtime)
	}

	detail := "completed"
	if job.Results != nil && !job.Results.ResultsProcessed {
		detail = "completed; results not indexed: " + job.Results.ResultsError
	}
	next, err := o.finalize(ctx, job, simulation.StatusCompleted, "", detail, &metrics)
	if err != nil {
		return o.retryLater(ctx, key, StateMarkCompleted, err)
	}
	return next, nil
}

// runtimeSeconds prefers backend timestamps and falls back to the run summary.
func runtimeSeconds(job *simulation.Job) (float64, bool) {
	if job.Runtime.RuntimeSeconds != nil {
		return *job.Runtime.RuntimeSeconds, true
	}
	if job.Results != nil && job.Results.WallTimeSeconds != nil {
		return *job.Results.WallTimeSeconds, true
	}
	return 0, false
}

func (o *Orchestrator) markFailed(ctx context.Context, key simulation.Key) (State, error) {
	job, err := o.get(ctx, key)
	if err != nil {
		return o.retryLater(ctx, key, StateMarkFailed, err)
	}
	if job.Status.IsTerminal() {
		return StateDone, nil
	}
	detail := "compute job failed"
	if job.StatusDetails != "" && job.StatusDetails != "dispatched" {
		detail = "compute job failed: " + job.StatusDetails
	}
	if job.Runtime.ExitCode != nil {
		detail = fmt.Sprintf("%s (exit code %d)", detail, *job.Runtime.ExitCode)
	}
	next, err := o.finalize(ctx, job, simulation.StatusFailed, simulation.KindComputeFailed, detail, nil)
	if err != nil {
		return o.retryLater(ctx, key, StateMarkFailed, err)
	}
	return next, nil
}

// finalize writes a terminal status and publishes the transition. A record
// that turned terminal concurrently is left as is.
func (o *Orchestrator) finalize(ctx context.Context, job *simulation.Job, status simulation.Status, kind simulation.Kind, detail string, metrics *simulation.Metrics) (State, error) {
	patch := jobstore.SetStatus(status, detail)
	if kind != "" {
		patch.FailureKind = &kind
	}
	patch.Metrics = metrics

	updated, err := o.update(ctx, job.Key(), patch)
	if err != nil {
		if jobstore.IsTerminal(err) {
			return StateDone, nil
		}
		return "", err
	}

	fields := []zap.Field{
		zap.String("simulation_id", job.SimulationID),
		zap.String("user_id", job.UserID),
		zap.String("status", string(status)),
		zap.String("details", detail),
	}
	if kind != "" {
		fields = append(fields, zap.String("failure_kind", string(kind)))
		o.d.Logger.Warn("Simulation failed", fields...)
	} else {
		o.d.Logger.Info("Simulation completed", fields...)
	}

	o.publish(ctx, updated, job.Status)
	return StateDone, nil
}

func (o *Orchestrator) publish(ctx context.Context, job *simulation.Job, old simulation.Status) {
	ev := events.Event{
		SimulationID: job.SimulationID,
		UserID:       job.UserID,
		OldStatus:    old,
		NewStatus:    job.Status,
		Details:      job.StatusDetails,
		FailureKind:  job.FailureKind,
		Metrics:      job.Metrics,
		Timestamp:    o.now().UTC(),
	}
	if job.Workflow != nil {
		ev.ExecutionID = job.Workflow.ExecutionID
	}
	if err := o.d.Publisher.Publish(ctx, ev); err != nil {
		o.d.Logger.Warn("Failed to publish status event",
			zap.String("simulation_id", job.SimulationID),
			zap.Error(err))
	}
}
