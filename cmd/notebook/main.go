package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "notebook",
	Short: "Ask questions about your documents and get cited answers",
	Long: `notebook indexes PDF, HTML and text files and answers questions
using only the sources you select, citing the passages it used.

Run "notebook serve" to start the server, then upload files and ask.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(chunksCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
