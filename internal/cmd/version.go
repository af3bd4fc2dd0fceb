package cmd

import (
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := crucible.GetVersion()
		return writeJSON(cmd.OutOrStdout(), struct {
			VersionInfo
			GoVersion string `json:"go_version"`
			Crucible  string `json:"crucible_version,omitempty"`
			Gofulmen  string `json:"gofulmen_version,omitempty"`
		}{versionInfo, runtime.Version(), v.Crucible, v.Gofulmen})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
