package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `scenegen turns text prompts into 3D scene content through a generation provider.

Usage:
  scenegen <command> [flags]

Commands:
  serve      Start the HTTP server
  generate   Run one generation and print the final status
  probe      Test the connection to a configured provider
  history    List recent runs or export the last generated script

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
	case "generate":
		return generate(ctx, args[1:])
	case "probe":
		return probe(ctx, args[1:])
	case "history":
		return historyCmd(ctx, args[1:])
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
