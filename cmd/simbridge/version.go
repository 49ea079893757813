package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the simbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		out.Header("simbridge " + version)
		out.KeyValue("commit", commit)
		out.KeyValue("go", runtime.Version())
		out.KeyValue("platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
	},
}
