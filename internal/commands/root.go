package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Capmap-core-v1/server/internal/config"
	"github.com/Capmap-core-v1/server/internal/core"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "capmap",
	Short: "Capmap - conversational VC analytics backend",
	Long: `Capmap answers natural-language questions about venture capital firms,
sectors and startups by routing each question to a specialised tool-using agent.`,
	Version:       core.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(ingestCmd)
}

// loadConfig reads the environment and initialises logging.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Env(), Level: level})
	return cfg, nil
}
