package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"chatrelay/internal/config"
)

const usage = `chatrelay relays persisted chat conversations to local or hosted language models.

Usage:
  chatrelay serve  [flags]
  chatrelay models [flags]

Commands:
  serve    Start the HTTP server
  models   Check provider health and list the active provider's models

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "models":
		return listModels(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}

// commonFlags are shared by every command that needs configuration.
type commonFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to YAML configuration file (optional)")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
}

// load sets up logging and reads the configuration.
func (f *commonFlags) load() (config.Config, *slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid --log-level %q: %w", f.logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if f.envFile != "" {
		if err := config.LoadDotEnv(f.envFile); err != nil {
			return config.Config{}, nil, err
		}
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
