package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"chatrelay/internal/provider"
	providerfactory "chatrelay/internal/provider/factory"
)

const modelsUsage = `Usage:
  chatrelay models [--config <path>] [--provider <name>] [--env-file <path>]

Flags:
  --config    string  Path to YAML configuration file
  --provider  string  Provider to list models for (default: the active provider)
  --env-file  string  Dotenv file to load first (default ".env")`

func listModels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, modelsUsage)
	}

	var common commonFlags
	var providerName string
	common.register(fs)
	fs.StringVar(&providerName, "provider", "", "provider to query")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}
	if providerName != "" {
		if err := registry.SetActive(providerName); err != nil {
			return err
		}
	}

	return report(ctx, os.Stdout, registry)
}

// report prints the health of every provider followed by the active provider's models.
func report(ctx context.Context, out io.Writer, registry *provider.Registry) error {
	active, err := registry.Active()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tHEALTHY\tACTIVE")
	for _, name := range registry.Names() {
		p, err := registry.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\n", name, p.CheckHealth(ctx), name == active.Name())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	list, err := active.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list %s models: %w", active.Name(), err)
	}

	fmt.Fprintf(out, "\nModels offered by %s:\n", active.Name())
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSIZE\tMODIFIED")
	for _, m := range list {
		modified := "-"
		if m.ModifiedAt != nil {
			modified = m.ModifiedAt.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", m.ID, m.Size, modified)
	}
	return tw.Flush()
}
