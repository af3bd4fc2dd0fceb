// Package stepfunctions implements workflow.Engine on AWS Step Functions.
//
// The execution name is derived from the simulation id, so Step Functions
// itself rejects a second concurrent execution for the same simulation. The
// state machine definition lives with the deployment; each task state invokes
// `geoschem step`, which runs exactly one orchestrator state.
package stepfunctions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/awsconfig"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
)

// maxNameLen is the Step Functions execution-name limit.
const maxNameLen = 80

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// API is the subset of the Step Functions client used by Engine.
type API interface {
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	StopExecution(ctx context.Context, in *sfn.StopExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StopExecutionOutput, error)
}

// Config configures the engine.
type Config struct {
	AWS             awsconfig.Options
	StateMachineArn string
}

// Engine implements workflow.Engine.
type Engine struct {
	api             API
	stateMachineArn string
	logger          *zap.Logger
}

var _ workflow.Engine = (*Engine)(nil)

// New builds an Engine from AWS configuration.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.StateMachineArn == "" {
		return nil, errors.New("state machine ARN is required")
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sfn.NewFromConfig(awsCfg, func(o *sfn.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	return NewWithClient(client, cfg.StateMachineArn, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(api API, stateMachineArn string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{api: api, stateMachineArn: stateMachineArn, logger: logger}
}

// ExecutionName derives the execution name for a simulation.
func ExecutionName(key simulation.Key) string {
	name := invalidNameChars.ReplaceAllString(key.SimulationID, "-")
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

// Start implements workflow.Engine.
func (e *Engine) Start(ctx context.Context, key simulation.Key) (*simulation.WorkflowHandle, error) {
	input, err := json.Marshal(workflow.Input{UserID: key.UserID, SimulationID: key.SimulationID})
	if err != nil {
		return nil, fmt.Errorf("marshal execution input: %w", err)
	}
	out, err := e.api.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(e.stateMachineArn),
		Name:            aws.String(ExecutionName(key)),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		var exists *types.ExecutionAlreadyExists
		if errors.As(err, &exists) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrAlreadyRunning, key)
		}
		return nil, fmt.Errorf("sfn StartExecution: %w", err)
	}
	arn := aws.ToString(out.ExecutionArn)
	e.logger.Debug("Started state machine execution",
		zap.String("execution_id", arn),
		zap.String("simulation_id", key.SimulationID))
	return &simulation.WorkflowHandle{ExecutionID: arn}, nil
}

// Stop implements workflow.Engine.
func (e *Engine) Stop(ctx context.Context, handle simulation.WorkflowHandle, cause string) error {
	_, err := e.api.StopExecution(ctx, &sfn.StopExecutionInput{
		ExecutionArn: aws.String(handle.ExecutionID),
		Cause:        aws.String(cause),
		Error:        aws.String("Cancelled"),
	})
	if err != nil {
		var missing *types.ExecutionDoesNotExist
		if errors.As(err, &missing) {
			return fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, handle.ExecutionID)
		}
		return fmt.Errorf("sfn StopExecution: %w", err)
	}
	return nil
}
