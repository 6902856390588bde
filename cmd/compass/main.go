package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "compass",
	Short:         "Swipe through billets and rank a slate of preferences",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, lockdCmd)
	rootCmd.AddCommand(deckCmd, decideCmd, undoCmd, slateCmd, manifestCmd, applicationsCmd, modeCmd, resetCmd)
	rootCmd.AddCommand(seedCmd, keygenCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
