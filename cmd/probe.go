package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
)

const probeUsage = `Usage:
  scenegen probe --config <path> [--provider <name>]

Flags:
  --config   string   Path to YAML configuration file (required)
  --provider string   Configured provider name (defaults to pipeline.default_provider)`

func probe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, probeUsage)
	}

	var cfgPath, providerName string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&providerName, "provider", "", "configured provider name")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse probe flags: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	p, err := cfg.Provider(providerName)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.client.Probe(ctx, p.Settings())
	if res != nil {
		fmt.Printf("%s (%s): status %d in %s\n", res.Provider, res.Kind, res.StatusCode, res.Latency.Round(time.Millisecond))
	}
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	fmt.Println("connection ok")
	return nil
}
