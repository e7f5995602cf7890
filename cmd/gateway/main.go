package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "camgate",
	Short: "API gateway for the camera platform backend services",
	Long: `camgate terminates client HTTP traffic, authenticates bearer tokens
against the identity service and routes each request to the backend
service that owns it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the gateway config file")
	rootCmd.AddCommand(serveCmd, checkCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
