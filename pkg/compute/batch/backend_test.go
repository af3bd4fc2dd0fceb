package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/compute"
)

type fakeBatch struct {
	submitted  []*batch.SubmitJobInput
	jobs       map[string]types.JobDetail
	terminated map[string]string
	submitErr  error
	describes  int
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{jobs: map[string]types.JobDetail{}, terminated: map[string]string{}}
}

func (f *fakeBatch) SubmitJob(_ context.Context, in *batch.SubmitJobInput, _ ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, in)
	return &batch.SubmitJobOutput{JobId: aws.String("job-1"), JobArn: aws.String("arn:aws:batch:us-east-1:1:job/job-1"), JobName: in.JobName}, nil
}

func (f *fakeBatch) DescribeJobs(_ context.Context, in *batch.DescribeJobsInput, _ ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	f.describes++
	out := &batch.DescribeJobsOutput{}
	for _, id := range in.Jobs {
		if j, ok := f.jobs[id]; ok {
			out.Jobs = append(out.Jobs, j)
		}
	}
	return out, nil
}

func (f *fakeBatch) TerminateJob(_ context.Context, in *batch.TerminateJobInput, _ ...func(*batch.Options)) (*batch.TerminateJobOutput, error) {
	f.terminated[aws.ToString(in.JobId)] = aws.ToString(in.Reason)
	return &batch.TerminateJobOutput{}, nil
}

func singleNodeSpec() compute.JobSpec {
	return compute.JobSpec{
		Name:             "geoschem-sim-1",
		Queue:            "geoschem-arm64",
		JobDefinition:    "geoschem-classic",
		Nodes:            1,
		PerNodeVCPUs:     16,
		PerNodeMemoryMiB: 32768,
		TimeoutSeconds:   18900,
		Environment:      map[string]string{"SIMULATION_ID": "sim-1", "OMP_NUM_THREADS": "16"},
		Tags:             map[string]string{"userId": "u1", "simulationId": "sim-1", "processorType": "graviton3"},
	}
}

func TestSubmit_SingleNode(t *testing.T) {
	api := newFakeBatch()
	b := NewWithClient(api, Config{}, nil)

	res, err := b.Submit(context.Background(), singleNodeSpec())
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Contains(t, res.JobArn, "job/job-1")

	require.Len(t, api.submitted, 1)
	in := api.submitted[0]
	assert.Equal(t, "geoschem-arm64", aws.ToString(in.JobQueue))
	assert.Nil(t, in.NodeOverrides)
	require.NotNil(t, in.ContainerOverrides)
	v, m := resources(in.ContainerOverrides.ResourceRequirements)
	assert.Equal(t, 16, v)
	assert.Equal(t, 32768, m)
	require.NotNil(t, in.Timeout)
	assert.Equal(t, int32(18900), aws.ToInt32(in.Timeout.AttemptDurationSeconds))
	assert.Equal(t, "u1", in.Tags["userId"])

	// Environment is sorted for deterministic requests.
	require.Len(t, in.ContainerOverrides.Environment, 2)
	assert.Equal(t, "OMP_NUM_THREADS", aws.ToString(in.ContainerOverrides.Environment[0].Name))
}

func TestSubmit_MultiNode(t *testing.T) {
	api := newFakeBatch()
	b := NewWithClient(api, Config{}, nil)

	spec := singleNodeSpec()
	spec.Nodes = 4
	_, err := b.Submit(context.Background(), spec)
	require.NoError(t, err)

	in := api.submitted[0]
	assert.Nil(t, in.ContainerOverrides)
	require.NotNil(t, in.NodeOverrides)
	assert.Equal(t, int32(4), aws.ToInt32(in.NodeOverrides.NumNodes))
	require.Len(t, in.NodeOverrides.NodePropertyOverrides, 1)
	assert.Equal(t, "0:", aws.ToString(in.NodeOverrides.NodePropertyOverrides[0].TargetNodes))
}

func TestSubmit_ClientExceptionIsRejected(t *testing.T) {
	api := newFakeBatch()
	api.submitErr = &types.ClientException{Message: aws.String("job queue does not exist")}
	b := NewWithClient(api, Config{}, nil)

	_, err := b.Submit(context.Background(), singleNodeSpec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, compute.ErrRejected), "got %v", err)
	assert.Contains(t, err.Error(), "job queue does not exist")
}

func TestDescribe_MapsDetail(t *testing.T) {
	api := newFakeBatch()
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stopped := started.Add(420 * time.Second)
	api.jobs["job-1"] = types.JobDetail{
		JobId:     aws.String("job-1"),
		Status:    types.JobStatusSucceeded,
		StartedAt: aws.Int64(started.UnixMilli()),
		StoppedAt: aws.Int64(stopped.UnixMilli()),
		Container: &types.ContainerDetail{
			ExitCode: aws.Int32(0),
			ResourceRequirements: []types.ResourceRequirement{
				{Type: types.ResourceTypeVcpu, Value: aws.String("16")},
				{Type: types.ResourceTypeMemory, Value: aws.String("32768")},
			},
		},
	}
	b := NewWithClient(api, Config{}, nil)

	d, err := b.Describe(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", d.Status)
	require.NotNil(t, d.StartedAt)
	require.NotNil(t, d.StoppedAt)
	assert.Equal(t, 420*time.Second, d.StoppedAt.Sub(*d.StartedAt))
	require.NotNil(t, d.ExitCode)
	assert.Equal(t, 0, *d.ExitCode)
	assert.Equal(t, 16, d.VCPUs)
	assert.Equal(t, 32768, d.MemoryMiB)
}

func TestDescribe_PendingHasNoTimestamps(t *testing.T) {
	api := newFakeBatch()
	api.jobs["job-1"] = types.JobDetail{JobId: aws.String("job-1"), Status: types.JobStatusRunnable}
	b := NewWithClient(api, Config{}, nil)

	d, err := b.Describe(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, d.StartedAt)
	assert.Nil(t, d.StoppedAt)
	assert.Nil(t, d.ExitCode)
}

func TestDescribe_Unknown(t *testing.T) {
	b := NewWithClient(newFakeBatch(), Config{}, nil)
	_, err := b.Describe(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, compute.IsJobNotFound(err))
}

func TestDescribe_RateLimitedHonorsContext(t *testing.T) {
	api := newFakeBatch()
	api.jobs["job-1"] = types.JobDetail{JobId: aws.String("job-1"), Status: types.JobStatusRunning}
	b := NewWithClient(api, Config{DescribeRate: 0.001}, nil)

	_, err := b.Describe(context.Background(), "job-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Describe(ctx, "job-1")
	require.Error(t, err)
	assert.Equal(t, 1, api.describes)
}

func TestTerminate(t *testing.T) {
	api := newFakeBatch()
	b := NewWithClient(api, Config{CallTimeout: time.Second}, nil)
	require.NoError(t, b.Terminate(context.Background(), "job-1", "cancelled by user"))
	assert.Equal(t, "cancelled by user", api.terminated["job-1"])
}
