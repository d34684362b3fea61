package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"imagegen_backend/core"
	"imagegen_backend/logging"
)

var rootCmd = &cobra.Command{
	Use:   "imagegen-backend",
	Short: "Stable Diffusion image generation service",
	Long: `imagegen-backend serves text-to-image generation over HTTP. It picks the
best available device (CUDA, DirectML, MPS or CPU), caches pipelines per model
and falls back to smaller sizes or the CPU when an accelerator fails.

Configuration comes from the environment, an optional .env file and the TOML
file named by CONFIG_FILE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       core.GetVersionInfo(),
	RunE:          runServe,
}

var envFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loadEnvFile(envFile)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var cfgErr *core.ConfigError
	if errors.As(err, &cfgErr) {
		return core.ExitCodeConfig
	}
	return core.ExitCodeError
}

// loadEnvFile loads path into the environment. Variables already set win.
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: cannot load %s: %v\n", path, err)
	}
}

// loadConfig resolves configuration and builds the root logger from it.
func loadConfig() (*core.Config, *logging.Logger, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(logging.Options{
		Level:       logging.ParseLevel(cfg.LogLevel, zapcore.InfoLevel),
		Development: cfg.DevMode,
		FilePath:    cfg.LogFile,
		Rotation:    logging.DefaultRotationConfig(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
