package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "winefactd"}

	root.AddCommand(serveCMD(), migrateCMD(), researchCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
