package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/choiros/director/pkg/config"
	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/eventlog"
	"github.com/choiros/director/pkg/mood"
	"github.com/choiros/director/pkg/sandbox"
	"github.com/choiros/director/pkg/verifier"
)

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// runSubmit creates a work item and drives one episode to a terminal state.
func runSubmit(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "work item ID (required)")
	desc := fs.String("desc", "", "objective description (required)")
	accept := fs.String("accept", "", "comma-separated acceptance criteria")
	require := fs.String("require", "", "comma-separated required verifier IDs")
	risk := fs.String("risk", string(contracts.RiskLow), "risk tier: low, medium, high")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *id == "" || *desc == "" {
		fmt.Fprintln(stderr, "director: submit requires -id and -desc")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	director, _, _, err := buildDirector(rt, false)
	if err != nil {
		return fail(stderr, err)
	}

	item := contracts.WorkItem{
		ID:                 *id,
		Description:        *desc,
		AcceptanceCriteria: splitList(*accept),
		RequiredVerifiers:  splitList(*require),
		RiskTier:           contracts.RiskTier(strings.ToLower(*risk)),
	}
	if err := director.CreateWorkItem(ctx, item); err != nil {
		return fail(stderr, err)
	}

	result, err := director.RunEpisode(ctx, item.ID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, result)
	return exitOK
}

// runRebuild replays the log from genesis and compares the rebuilt state
// hash against the live one. A divergence is a projection inconsistency.
func runRebuild(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	fs.SetOutput(stderr)
	check := fs.Bool("check", true, "compare against the live state hash before rebuilding")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	if *check {
		if err := rt.store.CheckConsistency(ctx, rt.log); err != nil {
			return fail(stderr, err)
		}
		hash, err := rt.store.StateHash(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "consistent %s\n", hash)
		return exitOK
	}

	hash, err := rt.store.Rebuild(ctx, rt.log)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "rebuilt %s\n", hash)
	return exitOK
}

// runVerify plans the verifier set for a mood and scope, and optionally
// executes it in a fresh local sandbox.
func runVerify(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	moodFlag := fs.String("mood", "CALM", "mood the plan is selected under")
	paths := fs.String("paths", "", "comma-separated touched paths")
	require := fs.String("require", "", "comma-separated required verifier IDs")
	risk := fs.String("risk", string(contracts.RiskLow), "risk tier: low, medium, high")
	execute := fs.Bool("exec", false, "execute the plan instead of only printing it")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	registry, err := verifier.LoadRegistry(cfg.VerifierAllowlist)
	if err != nil {
		return fail(stderr, err)
	}

	plan, err := verifier.NewPlanner(registry).Select(
		*moodFlag, splitList(*paths), contracts.RiskTier(strings.ToLower(*risk)), splitList(*require))
	if err != nil {
		return fail(stderr, err)
	}
	if !*execute {
		printJSON(stdout, plan)
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	sandboxes, err := sandbox.NewLocal(filepath.Join(cfg.DataDir, "sandboxes"), rt.arts)
	if err != nil {
		return fail(stderr, err)
	}
	sessions := verifier.NewSandboxSessions(sandboxes, rt.arts, sandbox.PolicyForMood(*moodFlag), nil)
	outcomes, err := verifier.NewRunner(registry, rt.arts, sessions).Execute(ctx, plan)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]any{"plan": plan, "outcomes": outcomes})
	for _, o := range outcomes {
		if o.Report.Result == contracts.VerifierFail {
			return exitFailure
		}
	}
	return exitOK
}

// runEvents appends a single event or tails the log as JSON lines.
func runEvents(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "director: events requires a subcommand: append or tail")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	switch args[0] {
	case "append":
		fs := flag.NewFlagSet("events append", flag.ContinueOnError)
		fs.SetOutput(stderr)
		eventType := fs.String("type", "", "event type, e.g. note.observation (required)")
		source := fs.String("source", string(eventlog.SourceUser), "event source: user, agent, system")
		payload := fs.String("payload", "{}", "JSON payload")
		if err := fs.Parse(args[1:]); err != nil {
			return exitConfig
		}
		if *eventType == "" {
			fmt.Fprintln(stderr, "director: events append requires -type")
			return exitConfig
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(*payload), &body); err != nil {
			fmt.Fprintf(stderr, "director: invalid -payload: %v\n", err)
			return exitConfig
		}
		e := eventlog.New(cfg.UserID, eventlog.Source(*source), eventlog.Normalize(*eventType), body)
		e.TimestampMS = time.Now().UnixMilli()
		seq, err := rt.log.Append(ctx, e)
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "appended seq=%d event_id=%s\n", seq, e.ID)
		return exitOK

	case "tail":
		fs := flag.NewFlagSet("events tail", flag.ContinueOnError)
		fs.SetOutput(stderr)
		from := fs.Uint64("from", 1, "first sequence to emit; 1 replays everything")
		if err := fs.Parse(args[1:]); err != nil {
			return exitConfig
		}
		ch, err := rt.log.Tail(ctx, *from)
		if err != nil {
			return fail(stderr, err)
		}
		enc := json.NewEncoder(stdout)
		for env := range ch {
			_ = enc.Encode(env)
		}
		return exitOK

	default:
		fmt.Fprintf(stderr, "director: unknown events subcommand %q\n", args[0])
		return exitConfig
	}
}

// runMood prints the mood the director would open a run in for a work item,
// with the guard that fired.
func runMood(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mood", flag.ContinueOnError)
	fs.SetOutput(stderr)
	item := fs.String("item", "", "work item ID (required)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *item == "" {
		fmt.Fprintln(stderr, "director: mood requires -item")
		return exitConfig
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	signals, err := mood.Snapshot(ctx, rt.store, *item, nil, false)
	if err != nil {
		return fail(stderr, err)
	}
	selected, guard := mood.SelectInitial(signals)

	profiles, err := loadProfiles(cfg)
	if err != nil {
		return fail(stderr, err)
	}
	profile, ok := profiles.Get(selected)
	if !ok {
		return fail(stderr, fmt.Errorf("no profile for mood %s", selected))
	}
	printJSON(stdout, map[string]any{
		"mood":    selected,
		"guard":   guard,
		"profile": profile,
	})
	return exitOK
}
