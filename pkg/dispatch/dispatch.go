// Package dispatch maps a validated simulation configuration to compute
// backend resource requirements and submits it.
//
// Selection is a set of pure lookup functions over the configuration record:
// the queue comes from the processor family, the job definition from the
// simulation type, resources from the instance-size table. There is no
// fallback between queues at this layer and no automatic resubmission.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// Default queue and job-definition names.
var (
	DefaultQueues = map[simulation.Family]string{
		simulation.FamilyARM64: "geoschem-arm64",
		simulation.FamilyX8664: "geoschem-x86",
	}
	DefaultJobDefinitions = map[simulation.Type]string{
		simulation.TypeClassic: "geoschem-classic",
		simulation.TypeGCHP:    "geoschem-gchp",
	}
)

// DefaultCallTimeout bounds one backend or metadata store call.
const DefaultCallTimeout = 30 * time.Second

// Config configures the Dispatcher.
type Config struct {
	Queues         map[simulation.Family]string
	JobDefinitions map[simulation.Type]string

	// Command overrides the job definition's command when set.
	Command []string

	// CallTimeout bounds each backend and metadata store call.
	CallTimeout time.Duration
}

// Resources is the computed resource request.
type Resources struct {
	Nodes            int
	PerNodeVCPUs     int
	PerNodeMemoryMiB int
}

// TotalVCPUs is per-node vCPUs times nodes.
func (r Resources) TotalVCPUs() int { return r.PerNodeVCPUs * r.Nodes }

// TotalMemoryMiB is per-node memory times nodes.
func (r Resources) TotalMemoryMiB() int { return r.PerNodeMemoryMiB * r.Nodes }

// SelectQueue returns the queue for the configuration's processor family.
func SelectQueue(cfg simulation.Configuration, queues map[simulation.Family]string) (string, error) {
	fam, ok := simulation.FamilyOf(cfg.ProcessorType)
	if !ok {
		return "", fmt.Errorf("unknown processor type %q", cfg.ProcessorType)
	}
	q := queues[fam]
	if q == "" {
		return "", fmt.Errorf("no queue configured for family %s", fam)
	}
	return q, nil
}

// SelectJobDefinition returns the job definition for the simulation type.
func SelectJobDefinition(cfg simulation.Configuration, defs map[simulation.Type]string) (string, error) {
	d := defs[cfg.SimulationType]
	if d == "" {
		return "", fmt.Errorf("no job definition configured for %s", cfg.SimulationType)
	}
	return d, nil
}

// ComputeResources scales the instance-size entry by 1.5 for the high-memory
// profile and again for the finest resolution class.
func ComputeResources(cfg simulation.Configuration) (Resources, error) {
	spec, ok := simulation.Instance(cfg.InstanceSize)
	if !ok {
		return Resources{}, fmt.Errorf("unknown instance size %q", cfg.InstanceSize)
	}
	factor := 1.0
	if strings.EqualFold(cfg.MemoryProfile, simulation.MemoryHigh) {
		factor *= simulation.HighMemoryFactor
	}
	if cfg.Class() == simulation.ClassFinest {
		factor *= simulation.HighMemoryFactor
	}
	return Resources{
		Nodes:            cfg.NodeCount(),
		PerNodeVCPUs:     int(math.Round(float64(spec.VCPUs) * factor)),
		PerNodeMemoryMiB: int(math.Round(float64(spec.MemoryMiB) * factor)),
	}, nil
}

// Timeout is days x per-class hours estimate x safety factor, capped at the
// hard ceiling.
func Timeout(cfg simulation.Configuration) time.Duration {
	hours := float64(cfg.SimulationDays()) *
		simulation.HoursPerSimDayEstimate(cfg.Class()) *
		simulation.TimeoutSafetyFactor
	if hours > simulation.MaxTimeoutHours {
		hours = simulation.MaxTimeoutHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// JobName returns a backend-safe job name for a simulation.
func JobName(key simulation.Key) string {
	var b strings.Builder
	b.WriteString("geoschem-")
	for _, r := range key.SimulationID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

// Plan resolves a job record into a submission request.
func Plan(job *simulation.Job, cfg Config) (compute.JobSpec, error) {
	c := job.Configuration.WithDefaults()

	queue, err := SelectQueue(c, cfg.Queues)
	if err != nil {
		return compute.JobSpec{}, err
	}
	def, err := SelectJobDefinition(c, cfg.JobDefinitions)
	if err != nil {
		return compute.JobSpec{}, err
	}
	res, err := ComputeResources(c)
	if err != nil {
		return compute.JobSpec{}, err
	}
	if c.SimulationDays() == 0 {
		return compute.JobSpec{}, errors.New("simulation spans zero days")
	}

	return compute.JobSpec{
		Name:             JobName(job.Key()),
		Queue:            queue,
		JobDefinition:    def,
		Nodes:            res.Nodes,
		PerNodeVCPUs:     res.PerNodeVCPUs,
		PerNodeMemoryMiB: res.PerNodeMemoryMiB,
		TimeoutSeconds:   int(Timeout(c).Seconds()),
		Command:          cfg.Command,
		Environment: map[string]string{
			"USER_ID":          job.UserID,
			"SIMULATION_ID":    job.SimulationID,
			"SIMULATION_TYPE":  string(c.SimulationType),
			"RESOLUTION":       c.Resolution,
			"CHEMISTRY":        c.Chemistry,
			"START_DATE":       c.StartDate,
			"END_DATE":         c.EndDate,
			"SPINUP_DAYS":      strconv.Itoa(c.SpinupDays),
			"OUTPUT_FREQUENCY": c.OutputFrequency,
			"NODES":            strconv.Itoa(res.Nodes),
			"INPUT_PATH":       job.InputPath,
			"OUTPUT_PATH":      job.OutputPath,
			"CONFIG_PATH":      job.ConfigPath,
		},
		Tags: map[string]string{
			"userId":        job.UserID,
			"simulationId":  job.SimulationID,
			"processorType": strings.ToLower(string(c.ProcessorType)),
		},
	}, nil
}

// Dispatcher submits jobs and records the outcome.
type Dispatcher struct {
	backend compute.Backend
	store   jobstore.Store
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Dispatcher. Empty queue and definition maps use the defaults.
func New(backend compute.Backend, store jobstore.Store, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueues
	}
	if len(cfg.JobDefinitions) == 0 {
		cfg.JobDefinitions = DefaultJobDefinitions
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Dispatcher{backend: backend, store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Dispatch submits the job for key and stores the compute handle.
//
// A record that already carries a compute handle is returned unchanged. On a
// planning or backend failure the record is moved to FAILED and a
// DISPATCH_ERROR is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	getCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	job, err := d.store.Get(getCtx, key)
	cancel()
	if err != nil {
		return nil, err
	}
	if job.Compute != nil {
		return job, nil
	}
	if job.Status != simulation.StatusSubmitted {
		return job, simulation.Conflict("dispatch", job.Status)
	}

	spec, err := Plan(job, d.cfg)
	if err != nil {
		return d.fail(ctx, key, "dispatch planning failed", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	res, err := d.backend.Submit(callCtx, spec)
	cancel()
	if err != nil {
		return d.fail(ctx, key, "compute backend rejected submission", err)
	}

	now := d.now().UTC()
	patch := jobstore.SetStatus(simulation.StatusRunning, "dispatched")
	patch.Compute = &simulation.ComputeHandle{
		JobID:         res.JobID,
		JobArn:        res.JobArn,
		Queue:         spec.Queue,
		JobDefinition: spec.JobDefinition,
	}
	patch.SubmittedAt = &now

	updated, err := d.update(ctx, key, patch)
	if err != nil {
		// Cancelled while the submit was in flight: do not leave the job running.
		if errors.Is(err, jobstore.ErrTerminal) {
			termCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
			terr := d.backend.Terminate(termCtx, res.JobID, "simulation finalized during dispatch")
			cancel()
			if terr != nil {
				d.logger.Warn("Failed to terminate orphaned job",
					zap.String("simulation_id", key.SimulationID),
					zap.String("job_id", res.JobID),
					zap.Error(terr))
			}
		}
		return updated, err
	}

	d.logger.Info("Simulation dispatched",
		zap.String("simulation_id", key.SimulationID),
		zap.String("user_id", key.UserID),
		zap.String("job_id", res.JobID),
		zap.String("queue", spec.Queue),
		zap.Int("nodes", spec.Nodes),
		zap.Int("vcpus_per_node", spec.PerNodeVCPUs),
		zap.Int("memory_mib_per_node", spec.PerNodeMemoryMiB),
		zap.Int("timeout_seconds", spec.TimeoutSeconds))
	return updated, nil
}

func (d *Dispatcher) fail(ctx context.Context, key simulation.Key, detail string, cause error) (*simulation.Job, error) {
	msg := fmt.Sprintf("%s: %v", detail, cause)
	kind := simulation.KindDispatch
	patch := jobstore.SetStatus(simulation.StatusFailed, msg)
	patch.FailureKind = &kind

	d.logger.Error("Dispatch failed",
		zap.String("simulation_id", key.SimulationID),
		zap.String("user_id", key.UserID),
		zap.Error(cause))

	job, err := d.update(ctx, key, patch)
	derr := simulation.NewError(simulation.KindDispatch, "dispatch", detail, cause)
	if err != nil {
		return job, errors.Join(derr, err)
	}
	return job, derr
}

func (d *Dispatcher) update(ctx context.Context, key simulation.Key, p jobstore.Patch) (*simulation.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.store.Update(ctx, key, p)
}
