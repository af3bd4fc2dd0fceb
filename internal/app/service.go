package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/cancellation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/dispatch"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/events"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/monitor"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/orchestrator"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/results"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/validator"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow/local"
)

// ConfigObjectName is the object the configuration JSON is uploaded to,
// under the simulation's config prefix.
const ConfigObjectName = "config/configuration.json"

// Components are the collaborators a Service is assembled from.
type Components struct {
	Store   jobstore.Store
	Backend compute.Backend
	Storage storage.Storage

	// Engine is optional; nil selects the in-process local engine.
	Engine workflow.Engine

	// Publisher is optional; Metrics is always added when set.
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger

	// OrchestratorOptions are passed through to orchestrator.New.
	OrchestratorOptions []orchestrator.Option
}

// Settings tune the assembled components.
type Settings struct {
	MaxActivePerUser int
	PollInterval     time.Duration
	PollJitter       time.Duration
	MaxWallClock     time.Duration
	CallTimeout      time.Duration
	Queues           map[simulation.Family]string
	JobDefinitions   map[simulation.Type]string
}

// Service is the intake, query and cancellation surface.
type Service struct {
	c            Components
	publisher    events.Publisher
	engine       workflow.Engine
	local        *local.Engine
	validator    *validator.Validator
	orchestrator *orchestrator.Orchestrator
	canceller    *cancellation.Coordinator
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
}

// Assemble wires the lifecycle components together.
func Assemble(c Components, s Settings) (*Service, error) {
	switch {
	case c.Store == nil:
		return nil, errors.New("app: store is required")
	case c.Backend == nil:
		return nil, errors.New("app: compute backend is required")
	case c.Storage == nil:
		return nil, errors.New("app: storage is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	var pubs events.Multi
	if c.Metrics != nil {
		pubs = append(pubs, c.Metrics)
	}
	if c.Publisher != nil {
		pubs = append(pubs, c.Publisher)
	}
	var publisher events.Publisher = events.Nop{}
	if len(pubs) > 0 {
		publisher = pubs
	}
	var recorder orchestrator.Recorder
	if c.Metrics != nil {
		recorder = c.Metrics
	}

	v := validator.New(c.Store, validator.Config{MaxActivePerUser: s.MaxActivePerUser}, c.Logger.Named("validator"))
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     c.Store,
		Validator: v,
		Dispatcher: dispatch.New(c.Backend, c.Store, dispatch.Config{
			Queues:         s.Queues,
			JobDefinitions: s.JobDefinitions,
			CallTimeout:    s.CallTimeout,
		}, c.Logger.Named("dispatch")),
		Poller:    monitor.New(c.Backend, c.Store, c.Logger.Named("monitor"), monitor.WithCallTimeout(s.CallTimeout)),
		Indexer:   results.New(c.Storage, c.Logger.Named("results"), results.WithCallTimeout(s.CallTimeout)),
		Backend:   c.Backend,
		Publisher: publisher,
		Recorder:  recorder,
		Logger:    c.Logger.Named("orchestrator"),
	}, orchestrator.Config{
		PollInterval: s.PollInterval,
		PollJitter:   s.PollJitter,
		MaxWallClock: s.MaxWallClock,
		CallTimeout:  s.CallTimeout,
	}, c.OrchestratorOptions...)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		c:            c,
		publisher:    publisher,
		engine:       c.Engine,
		validator:    v,
		orchestrator: orch,
		logger:       c.Logger,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	if svc.engine == nil {
		svc.local = local.New(local.RunnerFunc(orch.Run), c.Logger.Named("workflow"))
		svc.engine = svc.local
	}
	svc.canceller = cancellation.New(c.Store, svc.engine, c.Backend, publisher,
		cancellation.Config{CallTimeout: s.CallTimeout}, c.Logger.Named("cancellation"))
	return svc, nil
}

// Orchestrator returns the state machine, for single-step execution.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Store returns the metadata store.
func (s *Service) Store() jobstore.Store { return s.c.Store }

// Submission is the outcome of an accepted or rejected intake request.
type Submission struct {
	Job        *simulation.Job     `json:"simulation,omitempty"`
	Validation *validator.Result   `json:"validation"`
	Estimate   *costmodel.Estimate `json:"estimate,omitempty"`
}

// Submit validates, records and starts a simulation.
//
// An invalid or over-quota request returns the validator result alongside a
// VALIDATION_ERROR or QUOTA_EXCEEDED error and writes nothing.
func (s *Service) Submit(ctx context.Context, req *simulation.Submission) (*Submission, error) {
	if req == nil || req.UserID == "" {
		s.observeSubmission(observability.SubmissionInvalid)
		return nil, simulation.NewError(simulation.KindValidation, "submit", "user_id is required", nil).
			WithField("field", "user_id")
	}

	res := s.validator.Validate(ctx, req.UserID, req.Configuration)
	if !res.Valid {
		outcome := observability.SubmissionInvalid
		if simulation.IsQuotaExceeded(res.Err()) {
			outcome = observability.SubmissionQuota
		}
		s.observeSubmission(outcome)
		return &Submission{Validation: res}, res.Err()
	}

	est := costmodel.EstimateFor(req.Configuration.WithDefaults())
	simID := req.SimulationID
	if simID == "" {
		simID = s.newID()
	}
	prefix := storage.SimulationPrefix(req.UserID, simID)
	job := &simulation.Job{
		UserID:        req.UserID,
		SimulationID:  simID,
		Name:          req.Name,
		Configuration: req.Configuration,
		InputPath:     s.c.Storage.Locator(prefix + "input/"),
		OutputPath:    s.c.Storage.Locator(prefix + "output/"),
		ConfigPath:    s.c.Storage.Locator(prefix + ConfigObjectName),
		Metrics:       simulation.Metrics{EstimatedCost: est.TotalCost},
	}

	if err := s.c.Store.Create(ctx, job); err != nil {
		s.observeSubmission(observability.SubmissionError)
		if jobstore.IsAlreadyExists(err) {
			return nil, simulation.NewError(simulation.KindAlreadyExists, "submit", job.Key().String(), err)
		}
		return nil, simulation.NewError(simulation.KindInternal, "submit", "failed to record simulation", err)
	}

	body, err := json.MarshalIndent(job.Configuration, "", "  ")
	if err == nil {
		err = s.c.Storage.Put(ctx, prefix+ConfigObjectName, body, "application/json")
	}
	if err != nil {
		s.observeSubmission(observability.SubmissionError)
		return nil, s.abandon(ctx, job, "failed to upload configuration", err)
	}

	handle, err := s.engine.Start(ctx, job.Key())
	if err != nil {
		s.observeSubmission(observability.SubmissionError)
		return nil, s.abandon(ctx, job, "failed to start workflow", err)
	}
	// In-process runs record their own handle.
	if s.local == nil {
		if updated, err := s.c.Store.Update(ctx, job.Key(), jobstore.Patch{Workflow: handle}); err == nil {
			job = updated
		} else if !errors.Is(err, jobstore.ErrTerminal) {
			s.logger.Warn("Failed to record workflow handle",
				zap.String("simulation_id", simID),
				zap.String("execution_id", handle.ExecutionID),
				zap.Error(err))
		}
	} else {
		job.Workflow = handle
	}

	s.observeSubmission(observability.SubmissionAccepted)
	s.logger.Info("Simulation submitted",
		zap.String("simulation_id", simID),
		zap.String("user_id", req.UserID),
		zap.String("execution_id", handle.ExecutionID),
		zap.Float64("estimated_cost", job.Metrics.EstimatedCost))

	return &Submission{Job: job, Validation: res, Estimate: &est}, nil
}

// abandon moves a record that could not be started to FAILED.
func (s *Service) abandon(ctx context.Context, job *simulation.Job, detail string, cause error) error {
	kind := simulation.KindInternal
	patch := jobstore.SetStatus(simulation.StatusFailed, fmt.Sprintf("%s: %v", detail, cause))
	patch.FailureKind = &kind
	if final, err := s.c.Store.Update(ctx, job.Key(), patch); err != nil {
		s.logger.Error("Failed to record abandoned simulation",
			zap.String("simulation_id", job.SimulationID),
			zap.Error(err))
	} else {
		ev := events.Event{
			SimulationID: final.SimulationID,
			UserID:       final.UserID,
			OldStatus:    simulation.StatusSubmitted,
			NewStatus:    final.Status,
			Details:      final.StatusDetails,
			FailureKind:  final.FailureKind,
			Timestamp:    s.now().UTC(),
		}
		_ = s.publisher.Publish(ctx, ev)
	}
	return simulation.NewError(kind, "submit", detail, cause)
}

// Validate runs the validator. An empty userID skips the quota check.
func (s *Service) Validate(ctx context.Context, userID string, cfg simulation.Configuration) *validator.Result {
	return s.validator.Validate(ctx, userID, cfg)
}

// Estimate projects cost and runtime for a structurally valid configuration.
func (s *Service) Estimate(cfg simulation.Configuration) (*costmodel.Estimate, *validator.Result, error) {
	res := validator.Structural(cfg)
	if !res.Valid {
		return nil, res, res.Err()
	}
	est := costmodel.EstimateFor(cfg.WithDefaults())
	return &est, res, nil
}

// Get returns one simulation.
func (s *Service) Get(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	job, err := s.c.Store.Get(ctx, key)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return nil, simulation.NewError(simulation.KindNotFound, "get", key.String(), err)
		}
		return nil, err
	}
	return job, nil
}

// List returns a user's simulations, newest first.
func (s *Service) List(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error) {
	return s.c.Store.Query(ctx, userID, filter)
}

// Cancel stops and finalizes a simulation.
func (s *Service) Cancel(ctx context.Context, key simulation.Key, reason string) (*cancellation.Result, error) {
	return s.canceller.Cancel(ctx, key, reason)
}

// Resume restarts in-process orchestrators for every non-terminal record.
// It is a no-op with an external engine.
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.local == nil {
		return 0, nil
	}
	scanner, ok := s.c.Store.(jobstore.ActiveScanner)
	if !ok {
		return 0, errors.New("store cannot scan active simulations")
	}
	return s.local.Resume(ctx, scanner)
}

// Wait blocks until the in-process execution for key returns.
func (s *Service) Wait(ctx context.Context, key simulation.Key) error {
	if s.local == nil {
		return errors.New("wait requires the local workflow engine")
	}
	return s.local.Wait(ctx, key)
}

// Close stops in-process executions and releases every collaborator.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.local != nil {
		if err := s.local.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown workflow engine: %w", err))
		}
	}
	if err := s.c.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) observeSubmission(outcome string) {
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveSubmission(outcome)
	}
}
