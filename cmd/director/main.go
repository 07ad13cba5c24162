// Command director runs the agentic control plane: an event-sourced
// supervisor that executes work items in disposable sandboxes, verifies the
// results against an allowlist, and commits or discards atomically.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/choiros/director/pkg/config"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/verifier"
)

const version = "0.1.0"

// Process exit codes. Scripts branch on these, so they are part of the
// public contract.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfig        = 2
	exitContract      = 3
	exitProjection    = 4
	exitSandbox       = 5
	exitAllowlist     = 6
	exitCommitRefused = 7
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. Split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitConfig
	}

	cfg := config.Load()
	setupLogging(cfg, stderr)

	switch args[1] {
	case "serve":
		return runServe(cfg, args[2:], stdout, stderr)
	case "submit":
		return runSubmit(cfg, args[2:], stdout, stderr)
	case "rebuild":
		return runRebuild(cfg, args[2:], stdout, stderr)
	case "verify":
		return runVerify(cfg, args[2:], stdout, stderr)
	case "events":
		return runEvents(cfg, args[2:], stdout, stderr)
	case "mood":
		return runMood(cfg, args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "director %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "director: unknown command %q\n\n", args[1])
		printUsage(stderr)
		return exitConfig
	}
}

func setupLogging(cfg *config.Config, stderr io.Writer) {
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(stderr, nil)
	} else {
		handler = slog.NewTextHandler(stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, verifier.ErrAllowlistMissing) {
		return exitAllowlist
	}
	switch contracts.KindOf(err) {
	case contracts.KindContractViolation:
		return exitContract
	case contracts.KindProjectionInconsistency:
		return exitProjection
	case contracts.KindSandboxUnavailable:
		return exitSandbox
	case contracts.KindPolicyRefused:
		return exitCommitRefused
	default:
		return exitFailure
	}
}

// fail prints the error and converts it to an exit code.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "director: %v\n", err)
	return exitCode(err)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `director - event-sourced supervisor for sandboxed agent runs

Usage:
  director <command> [flags]

Commands:
  serve      Start the supervisor API and run loop
  submit     Create a work item and run one episode to completion
  rebuild    Replay the event log and check projection consistency
  verify     Plan (and optionally execute) verifiers for a mood and scope
  events     Append to or tail the event log
  mood       Show the mood the director would select for a work item
  version    Print the version

Configuration is taken from the environment: DIRECTOR_ADDR, DATABASE_URL,
NATS_URL, REDIS_ADDR, DIRECTOR_LEASE_SECRET, DIRECTOR_VERIFIERS,
DIRECTOR_MOODS, DIRECTOR_WORKSPACE, DIRECTOR_DATA_DIR.

Exit codes:
  0  success
  2  invalid configuration or usage
  3  event contract violation
  4  projection inconsistency
  5  sandbox unavailable
  6  verifier allowlist missing
  7  commit refused
`)
}
