package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/app"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/config"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/costmodel"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/validator"
)

var (
	submitUser string
	submitID   string
	submitWait bool

	validateQuota bool

	listStatus string
	listActive bool
	listLimit  int

	cancelReason string
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit a simulation from a YAML or JSON file",
	Long: `Validate, record and start a simulation.

With the local workflow engine the orchestrator runs inside this process:
pass --wait to follow the run to a terminal status. Without --wait the
record stays active and the next 'geoschem serve' resumes it.

Examples:
  geoschem submit run.yaml --user alice
  geoschem submit run.json --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a simulation file without submitting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate FILE",
	Short: "Estimate runtime and cost for a simulation file",
	Args:  cobra.ExactArgs(1),
	RunE:  runEstimate,
}

var statusCmd = &cobra.Command{
	Use:   "status USER SIMULATION",
	Short: "Show one simulation record",
	Args:  cobra.ExactArgs(2),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list USER",
	Short: "List a user's simulations, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel USER SIMULATION",
	Short: "Cancel a simulation",
	Args:  cobra.ExactArgs(2),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(submitCmd, validateCmd, estimateCmd, statusCmd, listCmd, cancelCmd)

	submitCmd.Flags().StringVar(&submitUser, "user", "", "user id (overrides user_id in the file)")
	submitCmd.Flags().StringVar(&submitID, "id", "", "simulation id (overrides simulation_id in the file)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for a terminal status (local engine only)")

	validateCmd.Flags().BoolVar(&validateQuota, "quota", false, "also check the user's active-simulation quota")

	listCmd.Flags().StringVar(&listStatus, "status", "", "comma-separated statuses to include")
	listCmd.Flags().BoolVar(&listActive, "active", false, "only non-terminal simulations")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum records to return (0 for all)")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded on the simulation")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	sub, err := loadSubmission(args[0])
	if err != nil {
		return err
	}
	if submitUser != "" {
		sub.UserID = submitUser
	}
	if submitID != "" {
		sub.SimulationID = submitID
	}

	ctx := cmd.Context()
	svc, cfg, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeService(svc)

	out, err := svc.Submit(ctx, sub)
	if err != nil {
		if out != nil && out.Validation != nil {
			_ = writeJSON(cmd.OutOrStdout(), out.Validation)
		}
		return kindError("Submission rejected", err)
	}

	if !submitWait {
		if cfg.Workflow.Engine == config.EngineLocal {
			observability.CLILogger.Info("Simulation recorded; 'geoschem serve' resumes it",
				zap.String("simulation_id", out.Job.SimulationID))
		}
		return writeJSON(cmd.OutOrStdout(), out.ForDisplay())
	}

	key := out.Job.Key()
	observability.CLILogger.Info("Waiting for simulation", zap.String("simulation_id", key.SimulationID))
	if err := svc.Wait(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Simulation did not finish", err)
	}
	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Wait cancelled", ctx.Err())
	}
	final, err := svc.Get(ctx, key)
	if err != nil {
		return kindError("Failed to read simulation", err)
	}
	out.Job = final
	return writeJSON(cmd.OutOrStdout(), out.ForDisplay())
}

func runValidate(cmd *cobra.Command, args []string) error {
	sub, err := loadSubmission(args[0])
	if err != nil {
		return err
	}

	var res *validator.Result
	if validateQuota {
		ctx := cmd.Context()
		svc, _, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeService(svc)
		res = svc.Validate(ctx, sub.UserID, sub.Configuration)
	} else {
		res = validator.Structural(sub.Configuration)
	}

	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Valid {
		return exitError(foundry.ExitInvalidArgument, "Configuration is invalid", res.Err())
	}
	return nil
}

func runEstimate(cmd *cobra.Command, args []string) error {
	sub, err := loadSubmission(args[0])
	if err != nil {
		return err
	}
	res := validator.Structural(sub.Configuration)
	if !res.Valid {
		_ = writeJSON(cmd.OutOrStdout(), res)
		return exitError(foundry.ExitInvalidArgument, "Configuration is invalid", res.Err())
	}
	est := costmodel.EstimateFor(sub.Configuration.WithDefaults())
	return writeJSON(cmd.OutOrStdout(), struct {
		Estimate   costmodel.Estimate `json:"estimate"`
		Validation *validator.Result  `json:"validation"`
	}{est, res})
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, _, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeService(svc)

	job, err := svc.Get(ctx, simulation.Key{UserID: args[0], SimulationID: args[1]})
	if err != nil {
		return kindError("Failed to read simulation", err)
	}
	return writeJSON(cmd.OutOrStdout(), app.ForDisplay(job))
}

func runList(cmd *cobra.Command, args []string) error {
	filter, err := listFilter(listStatus, listActive, listLimit)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid list filter", err)
	}

	ctx := cmd.Context()
	svc, _, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeService(svc)

	jobs, err := svc.List(ctx, args[0], filter)
	if err != nil {
		return kindError("Failed to list simulations", err)
	}
	return writeJSON(cmd.OutOrStdout(), app.ForDisplayAll(jobs))
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, _, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeService(svc)

	res, err := svc.Cancel(ctx, simulation.Key{UserID: args[0], SimulationID: args[1]}, strings.TrimSpace(cancelReason))
	if err != nil {
		return kindError("Cancel failed", err)
	}
	if res.Partial != nil {
		observability.CLILogger.Warn("Simulation cancelled but some stop signals failed", zap.Error(res.Partial))
	}
	return writeJSON(cmd.OutOrStdout(), app.ForDisplay(res.Job))
}

func loadSubmission(path string) (*simulation.Submission, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, exitError(foundry.ExitFileNotFound, "Simulation file not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read simulation file", err)
	}
	sub, err := simulation.LoadSubmission(path)
	if err != nil {
		if errors.Is(err, simulation.ErrSchemaValidation) {
			return nil, exitError(foundry.ExitInvalidArgument, "Simulation file does not match the submission schema", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid simulation file", err)
	}
	return sub, nil
}

func openService(ctx context.Context) (*app.Service, *config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	svc, err := app.Open(ctx, cfg, nil, observability.CLILogger)
	if err != nil {
		return nil, nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open simulation service", err)
	}
	return svc, cfg, nil
}

func closeService(svc *app.Service) {
	if err := svc.Close(context.Background()); err != nil {
		observability.CLILogger.Warn("Service close incomplete", zap.Error(err))
	}
}

// kindError maps a taxonomy error onto an exit code.
func kindError(message string, err error) error {
	switch simulation.KindOf(err) {
	case simulation.KindValidation, simulation.KindQuotaExceeded, simulation.KindConflict,
		simulation.KindAlreadyExists, simulation.KindNotFound:
		return exitError(foundry.ExitInvalidArgument, message, err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
}

func listFilter(statuses string, active bool, limit int) (jobstore.Filter, error) {
	f := jobstore.Filter{ActiveOnly: active, Limit: limit}
	if limit < 0 {
		return f, fmt.Errorf("limit must be >= 0")
	}
	if statuses == "" {
		return f, nil
	}
	for _, part := range strings.Split(statuses, ",") {
		st, ok := simulation.ParseStatus(strings.ToUpper(strings.TrimSpace(part)))
		if !ok {
			return f, fmt.Errorf("unknown status %q", part)
		}
		f.Statuses = append(f.Statuses, st)
	}
	return f, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
