// Package cmd implements the geoschem command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/config"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/observability"
	"github.com/scttfrdmn/aws-geos-chem-sub000/internal/server/handlers"
)

// VersionInfo is the build metadata stamped at link time.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "geoschem",
	Short: "Run and track GEOS-Chem simulations on AWS",
	Long: `geoschem orchestrates GEOS-Chem simulation jobs: it validates
configurations, dispatches them to AWS Batch, monitors them to completion,
indexes their results and records cost and performance metrics.

Configuration is read from geoschem.yaml (working directory or user config
directory), GEOSCHEM_* environment variables and command-line flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := os.Setenv(config.ConfigFileEnv, cfgFile); err != nil {
				return exitError(foundry.ExitInvalidArgument, "Invalid --config value", err)
			}
		}
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./geoschem.yaml or the user config directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer observability.Sync()
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCodeOf(err)
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the binary identity, or nil when unset.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// cliError carries the exit code a failed command should produce.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &cliError{code: code, message: message, err: err}
}

func exitCodeOf(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	os.Exit(code)
}
