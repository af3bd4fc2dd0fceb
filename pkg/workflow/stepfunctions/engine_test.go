package stepfunctions

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
)

type fakeSFN struct {
	running map[string]bool
	inputs  map[string]string
	stopped []string
}

func newFakeSFN() *fakeSFN {
	return &fakeSFN{running: map[string]bool{}, inputs: map[string]string{}}
}

func (f *fakeSFN) StartExecution(_ context.Context, in *sfn.StartExecutionInput, _ ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	name := aws.ToString(in.Name)
	if f.running[name] {
		return nil, &types.ExecutionAlreadyExists{Message: aws.String("exists")}
	}
	f.running[name] = true
	f.inputs[name] = aws.ToString(in.Input)
	return &sfn.StartExecutionOutput{ExecutionArn: aws.String("arn:aws:states:us-east-1:1:execution:sm:" + name)}, nil
}

func (f *fakeSFN) StopExecution(_ context.Context, in *sfn.StopExecutionInput, _ ...func(*sfn.Options)) (*sfn.StopExecutionOutput, error) {
	arn := aws.ToString(in.ExecutionArn)
	name := arn[strings.LastIndex(arn, ":")+1:]
	if !f.running[name] {
		return nil, &types.ExecutionDoesNotExist{Message: aws.String("missing")}
	}
	delete(f.running, name)
	f.stopped = append(f.stopped, arn)
	return &sfn.StopExecutionOutput{}, nil
}

func TestEngine_StartIsUniquePerSimulation(t *testing.T) {
	api := newFakeSFN()
	e := NewWithClient(api, "arn:aws:states:us-east-1:1:stateMachine:sm", nil)
	key := simulation.Key{UserID: "u1", SimulationID: "sim-1"}

	h, err := e.Start(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(h.ExecutionID, ":sim-1"))

	var in workflow.Input
	require.NoError(t, json.Unmarshal([]byte(api.inputs["sim-1"]), &in))
	assert.Equal(t, "u1", in.UserID)

	_, err = e.Start(context.Background(), key)
	assert.ErrorIs(t, err, workflow.ErrAlreadyRunning)
}

func TestEngine_Stop(t *testing.T) {
	api := newFakeSFN()
	e := NewWithClient(api, "arn:sm", nil)
	key := simulation.Key{UserID: "u1", SimulationID: "sim-1"}
	h, err := e.Start(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, e.Stop(context.Background(), *h, "user request"))
	assert.Len(t, api.stopped, 1)

	err = e.Stop(context.Background(), *h, "again")
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
}

func TestExecutionName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sim-1", "sim-1"},
		{"a b/c", "a-b-c"},
		{strings.Repeat("x", 100), strings.Repeat("x", 80)},
	}
	for _, tt := range tests {
		if got := ExecutionName(simulation.Key{SimulationID: tt.in}); got != tt.want {
			t.Fatalf("ExecutionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
