// Package cli dispatches the vodis binary's subcommands, grounded on the
// teacher's switch-per-verb Execute function. df2redis had a verb per
// migration-pipeline stage (prepare/migrate/cold-import/check/...); vodis
// has far fewer, since there is no migration pipeline to drive, only a
// node to run.
package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"vodis/internal/server"
)

const version = "0.1.0-dev"

// Execute dispatches CLI subcommands and returns a process exit code.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[vodis] ")

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "run":
		return runRun(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("vodis " + version)
		return 0
	default:
		log.Printf("Unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

// runRun starts a node and blocks until it shuts down (SIGINT/SIGTERM or
// a fatal dashboard error). Node configuration is env-var only (see
// internal/server.Config); there is no --config flag because, unlike the
// teacher's per-migration YAML files, a vodis node's knobs are the kind
// an orchestrator sets as environment variables, not a file an operator
// hand-edits per run.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		log.Printf("Failed to parse arguments: %v", err)
		return 1
	}

	cfg, err := server.Load()
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 2
	}

	node, err := server.New(cfg)
	if err != nil {
		log.Printf("Failed to initialize node: %v", err)
		return 1
	}

	if err := node.Run(); err != nil {
		log.Printf("Node stopped with error: %v", err)
		return 1
	}
	return 0
}

func printUsage() {
	binary := filepath.Base(os.Args[0])
	fmt.Printf(`vodis - Redis-compatible in-memory key-value service

Usage:
  %[1]s <command> [options]

Available commands:
  run        Start a node (engine, AOF, replication, dashboard) until signalled
  help       Show this help
  version    Show version info

Configuration is read from the environment (VODIS_*); see internal/server.Config.

Examples:
  VODIS_NAME=node-a VODIS_DASHBOARD_ADDR=:8080 %[1]s run
`, binary)
}
