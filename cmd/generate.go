package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"scenegen/internal/session"
)

const generateUsage = `Usage:
  scenegen generate --config <path> --prompt <text> [--provider <name>] [--scene]

Flags:
  --config   string   Path to YAML configuration file (required)
  --prompt   string   Description of the object to create (required)
  --provider string   Configured provider name (defaults to pipeline.default_provider)
  --scene             Print the resulting scene snapshot after the status`

func generate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, generateUsage)
	}

	var cfgPath, prompt, providerName string
	var printScene bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&prompt, "prompt", "", "object description")
	fs.StringVar(&providerName, "provider", "", "configured provider name")
	fs.BoolVar(&printScene, "scene", false, "print the scene snapshot")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse generate flags: %w", err)
	}
	if strings.TrimSpace(prompt) == "" && fs.NArg() > 0 {
		prompt = strings.Join(fs.Args(), " ")
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

	st, runErr := a.session.Run(ctx, prompt, p.Settings())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if printScene {
		if err := enc.Encode(a.scene.Snapshot()); err != nil {
			return fmt.Errorf("write scene: %w", err)
		}
	}
	if runErr != nil && st.State == session.StateFailure {
		return fmt.Errorf("generation failed (%s): %s", st.ErrorKind, st.Message)
	}
	return nil
}
