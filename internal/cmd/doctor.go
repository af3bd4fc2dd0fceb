package cmd

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/config"
	apperrors "github.com/scttfrdmn/aws-geos-chem-sub000/internal/errors"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/awsconfig"
)

var doctorDeep bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configuration and suggest
fixes for common issues.

Examples:
  geoschem doctor          # Environment and configuration checks
  geoschem doctor --deep   # Also open the store and storage and probe them`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorDeep, "deep", false, "open configured collaborators and run their health checks")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	allChecks := true
	totalChecks := 5
	if doctorDeep {
		totalChecks = 6
	}
	checkNum := 1

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion))
		allChecks = false
	}
	checkNum++

	version := crucible.GetVersion()
	if version.Crucible == "" {
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			apperrors.NewExternalServiceError("crucible version unavailable", nil))
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking Crucible and Gofulmen... ✅ v%s / v%s", checkNum, totalChecks, version.Crucible, version.Gofulmen))
	checkNum++

	cfg, err := config.Load(cmd.Context())
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌", checkNum, totalChecks), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ store=%s storage=%s engine=%s",
		checkNum, totalChecks, cfg.Store.Backend, cfg.Storage.Backend, cfg.Workflow.Engine))
	checkNum++

	if !checkAWSCredentials(cmd.Context(), cfg, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH))
	checkNum++

	if doctorDeep {
		if !runDeepChecks(cmd.Context(), checkNum, totalChecks) {
			allChecks = false
		}
	}

	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

// checkAWSCredentials resolves credentials the way the AWS collaborators do.
// The compute backend always needs them.
func checkAWSCredentials(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	awsCfg, err := awsconfig.Load(ctx, awsconfig.Options{
		Region:   cfg.AWS.Region,
		Profile:  cfg.AWS.Profile,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source),
		zap.String("region", awsCfg.Region))
	return true
}

func runDeepChecks(ctx context.Context, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	svc, _, err := openService(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking collaborators... ❌ Cannot open service", checkNum, totalChecks), zap.Error(err))
		return false
	}
	defer closeService(svc)

	checkers := svc.Checkers()
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	ok := true
	for _, name := range names {
		if err := checkers[name].CheckHealth(ctx); err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌", checkNum, totalChecks, name), zap.Error(err))
			ok = false
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅", checkNum, totalChecks, name))
	}
	return ok
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile (then set aws.profile), or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For LocalStack or another emulator, also set aws.endpoint (GEOSCHEM_AWS_ENDPOINT).")
}
