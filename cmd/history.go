package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"scenegen/internal/config"
	"scenegen/internal/history"
)

const historyUsage = `Usage:
  scenegen history --config <path> [--limit <n>] [--export <file>]

Flags:
  --config string   Path to YAML configuration file (required)
  --limit  int      Number of runs to list (default 20)
  --export string   Write the most recent generated script to this file instead of listing`

func historyCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, historyUsage)
	}

	var cfgPath, exportPath string
	var limit int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&limit, "limit", 20, "number of runs to list")
	fs.StringVar(&exportPath, "export", "", "export the last script to a file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse history flags: %w", err)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if cfg.History.Path == config.MemoryHistoryPath {
		return errors.New("history.path is not set; in-memory history does not outlive the server")
	}

	store, err := history.Open(cfg.History.Path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if exportPath != "" {
		rec, err := store.ExportLastScript(ctx, exportPath)
		if err != nil {
			return err
		}
		fmt.Printf("wrote script from run %s (%q) to %s\n", rec.RunID, rec.Prompt, exportPath)
		return nil
	}

	records, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tPROVIDER\tSTATE\tRESULT\tPROMPT")
	for _, rec := range records {
		result := rec.Collection
		if rec.State != history.StateSuccess {
			result = rec.ErrorKind
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.CreatedAt.Local().Format(time.DateTime), rec.Provider, rec.State, result, rec.Prompt)
	}
	return tw.Flush()
}
