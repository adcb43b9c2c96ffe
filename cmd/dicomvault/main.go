// Package main provides the dicomvault server CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	// flagConfigDir is set by the --config-dir flag.
	flagConfigDir string

	// flagDataDir is set by the --data-dir flag.
	flagDataDir string

	// flagVerbose enables debug logging.
	flagVerbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dicomvault",
	Short: "dicomvault is a DICOM store-and-forward server",
	Long: `dicomvault ingests DICOM instances into a content-addressable store
with a sqlite resource index, serves them back over a REST interface,
exports ZIP archives, and forwards studies to remote peers and
modalities through a restartable job engine.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default: from config, then $DICOMVAULT_DATA_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dicomvault v" + version)
	},
}
