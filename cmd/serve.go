package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"chatrelay/internal/provider"
	providerfactory "chatrelay/internal/provider/factory"
	"chatrelay/internal/relay"
	"chatrelay/internal/retention"
	"chatrelay/internal/server"
	"chatrelay/internal/store/sqlite"
)

const serveUsage = `Usage:
  chatrelay serve [--config <path>] [--port <port>] [--env-file <path>] [--log-level <level>]

Flags:
  --config    string  Path to YAML configuration file; built-in defaults apply without one
  --port      int     Override server port from configuration
  --env-file  string  Dotenv file to load first (default ".env", missing file ignored)
  --log-level string  debug, info, warn or error (default "info")`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var common commonFlags
	var overridePort int
	common.register(fs)
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := retention.New(store, retention.Options{
		MaxConversations:  cfg.Retention.MaxConversations,
		ListLimit:         cfg.Retention.ListLimit,
		SerializePerOwner: cfg.Retention.SerializePerOwner,
	}, logger)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}
	active, err := registry.Active()
	if err != nil {
		return err
	}

	rl, err := relay.New(manager, active, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, manager, rl, logger)
	if err != nil {
		return err
	}

	logger.Info("conversation store ready",
		"path", cfg.Database.Path,
		"max_conversations", manager.MaxConversations(),
		"serialize_per_owner", cfg.Retention.SerializePerOwner,
	)

	return srv.Run(ctx)
}
