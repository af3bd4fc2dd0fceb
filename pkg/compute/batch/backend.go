// Package batch implements compute.Backend on AWS Batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/awsconfig"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
)

// API is the subset of the Batch client used by Backend.
type API interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, optFns ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
}

// Config configures the Batch backend.
type Config struct {
	AWS awsconfig.Options

	// DescribeRate limits DescribeJobs calls per second. Zero is unlimited.
	DescribeRate float64

	// CallTimeout bounds each API call. Zero leaves ctx as is.
	CallTimeout time.Duration
}

// Backend implements compute.Backend.
type Backend struct {
	api         API
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      *zap.Logger
}

var _ compute.Backend = (*Backend)(nil)

// New builds a Backend from AWS configuration.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &compute.Error{Op: "New", Err: err}
	}
	client := batch.NewFromConfig(awsCfg, func(o *batch.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(api API, cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{api: api, callTimeout: cfg.CallTimeout, logger: logger}
	if cfg.DescribeRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.DescribeRate), 1)
	}
	return b
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.callTimeout)
}

// Submit implements compute.Backend.
func (b *Backend) Submit(ctx context.Context, spec compute.JobSpec) (*compute.SubmitResult, error) {
	in := buildSubmitInput(spec)

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.api.SubmitJob(ctx, in)
	if err != nil {
		return nil, wrapError("SubmitJob", "", err)
	}
	res := &compute.SubmitResult{JobID: aws.ToString(out.JobId), JobArn: aws.ToString(out.JobArn)}
	b.logger.Debug("Submitted batch job",
		zap.String("job_id", res.JobID),
		zap.String("queue", spec.Queue),
		zap.Int("nodes", spec.Nodes))
	return res, nil
}

// buildSubmitInput maps a JobSpec onto SubmitJobInput. Multi-node jobs carry
// their per-node overrides in NodeOverrides; single-node jobs use
// ContainerOverrides.
func buildSubmitInput(spec compute.JobSpec) *batch.SubmitJobInput {
	overrides := &types.ContainerOverrides{
		ResourceRequirements: []types.ResourceRequirement{
			{Type: types.ResourceTypeVcpu, Value: aws.String(strconv.Itoa(spec.PerNodeVCPUs))},
			{Type: types.ResourceTypeMemory, Value: aws.String(strconv.Itoa(spec.PerNodeMemoryMiB))},
		},
		Environment: environment(spec.Environment),
	}
	if len(spec.Command) > 0 {
		overrides.Command = spec.Command
	}

	in := &batch.SubmitJobInput{
		JobName:       aws.String(spec.Name),
		JobQueue:      aws.String(spec.Queue),
		JobDefinition: aws.String(spec.JobDefinition),
		Tags:          spec.Tags,
		PropagateTags: aws.Bool(len(spec.Tags) > 0),
	}
	if spec.TimeoutSeconds > 0 {
		in.Timeout = &types.JobTimeout{AttemptDurationSeconds: aws.Int32(int32(spec.TimeoutSeconds))}
	}
	if spec.MultiNode() {
		in.NodeOverrides = &types.NodeOverrides{
			NumNodes: aws.Int32(int32(spec.Nodes)),
			NodePropertyOverrides: []types.NodePropertyOverride{
				{TargetNodes: aws.String("0:"), ContainerOverrides: overrides},
			},
		}
	} else {
		in.ContainerOverrides = overrides
	}
	return in
}

func environment(env map[string]string) []types.KeyValuePair {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}

// Describe implements compute.Backend.
func (b *Backend) Describe(ctx context.Context, jobID string) (*compute.Description, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, &compute.Error{Op: "DescribeJobs", JobID: jobID, Err: err}
		}
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.api.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		return nil, wrapError("DescribeJobs", jobID, err)
	}
	if len(out.Jobs) == 0 {
		return nil, &compute.Error{Op: "DescribeJobs", JobID: jobID, Err: compute.ErrJobNotFound}
	}
	return describe(out.Jobs[0]), nil
}

func describe(j types.JobDetail) *compute.Description {
	d := &compute.Description{
		JobID:     aws.ToString(j.JobId),
		Status:    string(j.Status),
		Reason:    aws.ToString(j.StatusReason),
		StartedAt: millis(j.StartedAt),
		StoppedAt: millis(j.StoppedAt),
	}
	if c := j.Container; c != nil {
		if c.ExitCode != nil {
			code := int(*c.ExitCode)
			d.ExitCode = &code
		}
		d.VCPUs, d.MemoryMiB = resources(c.ResourceRequirements)
		if d.VCPUs == 0 && c.Vcpus != nil {
			d.VCPUs = int(*c.Vcpus)
		}
		if d.MemoryMiB == 0 && c.Memory != nil {
			d.MemoryMiB = int(*c.Memory)
		}
		if d.Reason == "" {
			d.Reason = aws.ToString(c.Reason)
		}
	}
	if j.NodeDetails != nil && j.NodeProperties != nil {
		// Multi-node parents report allocation per node range.
		for _, r := range j.NodeProperties.NodeRangeProperties {
			if r.Container != nil {
				v, m := resources(r.Container.ResourceRequirements)
				nodes := int(aws.ToInt32(j.NodeProperties.NumNodes))
				d.VCPUs, d.MemoryMiB = v*nodes, m*nodes
				break
			}
		}
	}
	return d
}

func resources(reqs []types.ResourceRequirement) (vcpus, memory int) {
	for _, r := range reqs {
		n, err := strconv.ParseFloat(aws.ToString(r.Value), 64)
		if err != nil {
			continue
		}
		switch r.Type {
		case types.ResourceTypeVcpu:
			vcpus = int(n)
		case types.ResourceTypeMemory:
			memory = int(n)
		}
	}
	return vcpus, memory
}

func millis(ms *int64) *time.Time {
	if ms == nil || *ms == 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// Terminate implements compute.Backend.
func (b *Backend) Terminate(ctx context.Context, jobID, reason string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.api.TerminateJob(ctx, &batch.TerminateJobInput{JobId: aws.String(jobID), Reason: aws.String(reason)})
	if err != nil {
		return wrapError("TerminateJob", jobID, err)
	}
	return nil
}

func wrapError(op, jobID string, err error) error {
	wrapped := &compute.Error{Op: op, JobID: jobID, Err: err}

	var clientErr *types.ClientException
	if errors.As(err, &clientErr) {
		wrapped.Err = fmt.Errorf("%w: %s", compute.ErrRejected, aws.ToString(clientErr.Message))
		return wrapped
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			wrapped.Err = fmt.Errorf("%w: %s", compute.ErrThrottled, apiErr.ErrorMessage())
		}
	}
	return wrapped
}
