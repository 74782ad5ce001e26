package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	progVersion = "1.0.0"

	// buildVersion is set with -ldflags "-X main.buildVersion=..."
	buildVersion string
)

var versionCmd = &cobra.Command{
	Use: "version",

	Short: "Prints the version of the program.",

	Run: func(cmd *cobra.Command, args []string) {
		if buildVersion != "" {
			fmt.Fprintf(os.Stdout, "%s+%s\n", progVersion, buildVersion)
			return
		}
		fmt.Fprintf(os.Stdout, "%s\n", progVersion)
	},
}
