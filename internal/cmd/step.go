package cmd

import (
	"encoding/json"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/orchestrator"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/workflow"
)

var (
	stepInput     string
	stepState     string
	stepExecution string
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run one orchestrator state (Step Functions task entry point)",
	Long: `Run exactly one orchestrator state for a simulation and print the next
state as JSON. The state machine started by 'submit' invokes this for every
task state and branches on the returned "state" field.

Examples:
  geoschem step --input '{"userId":"alice","simulationId":"sim-1"}' --state Dispatch`,
	RunE: runStep,
}

func init() {
	rootCmd.AddCommand(stepCmd)
	stepCmd.Flags().StringVar(&stepInput, "input", "", "execution input JSON ({\"userId\":...,\"simulationId\":...})")
	stepCmd.Flags().StringVar(&stepState, "state", string(orchestrator.StateValidate), "state to execute")
	stepCmd.Flags().StringVar(&stepExecution, "execution", "", "execution id, for logging")
	_ = stepCmd.MarkFlagRequired("input")
}

// stepOutput is the task result returned to the state machine.
type stepOutput struct {
	UserID       string             `json:"userId"`
	SimulationID string             `json:"simulationId"`
	State        orchestrator.State `json:"state"`
	Done         bool               `json:"done"`
}

func parseStepArgs(input, state string) (simulation.Key, orchestrator.State, error) {
	var in workflow.Input
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return simulation.Key{}, "", err
	}
	key := simulation.Key{UserID: strings.TrimSpace(in.UserID), SimulationID: strings.TrimSpace(in.SimulationID)}
	if key.UserID == "" || key.SimulationID == "" {
		return key, "", simulation.NewError(simulation.KindValidation, "step", "userId and simulationId are required", nil)
	}
	st, err := orchestrator.ParseState(state)
	if err != nil {
		return key, "", err
	}
	return key, st, nil
}

func runStep(cmd *cobra.Command, _ []string) error {
	key, state, err := parseStepArgs(stepInput, stepState)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid step arguments", err)
	}

	ctx := cmd.Context()
	svc, _, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeService(svc)

	next, err := svc.Orchestrator().Step(ctx, orchestrator.StepInput{
		Key:         key,
		ExecutionID: stepExecution,
		State:       state,
	})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Step failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), stepOutput{
		UserID:       key.UserID,
		SimulationID: key.SimulationID,
		State:        next,
		Done:         next == orchestrator.StateDone,
	})
}
