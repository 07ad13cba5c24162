package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/choiros/director/pkg/artifacts"
	"github.com/choiros/director/pkg/contracts"
)

// Report is the structured digest of one verifier execution. Raw output
// never appears here; it stays behind the artifact hash.
type Report struct {
	VerifierID        string                   `json:"verifier_id"`
	Result            contracts.VerifierResult `json:"result"`
	FailureSignatures []string                 `json:"failure_signatures,omitempty"`
	Summary           string                   `json:"summary"`
	NextActions       []string                 `json:"next_actions,omitempty"`
	Confidence        float64                  `json:"confidence"`
	ExitCode          int                      `json:"exit_code"`
	Retried           bool                     `json:"retried,omitempty"`
}

// Attestation binds a verifier execution to its exact inputs and evidence.
type Attestation struct {
	ID              string                   `json:"attestation_id"`
	VerifierID      string                   `json:"verifier_id"`
	Command         []string                 `json:"command"`
	ConfigHash      string                   `json:"config_hash"`
	ArtifactHash    string                   `json:"artifact_hash"`
	ReportHash      string                   `json:"report_hash"`
	VerifierVersion string                   `json:"verifier_version"`
	Result          contracts.VerifierResult `json:"result"`
	Confidence      float64                  `json:"confidence"`
}

// Outcome is everything one verifier execution produced.
type Outcome struct {
	VerifierID      string
	Report          Report
	ReportHash      string
	ArtifactHash    string
	Attestation     Attestation
	AttestationHash string
}

// Runner executes plans. Each verifier gets a fresh isolated session;
// independent verifiers fan out concurrently, the rest run in plan order.
// Outcomes always come back in plan order regardless of completion order.
type Runner struct {
	registry *Registry
	store    artifacts.Store
	sessions SessionFactory
	logger   *slog.Logger
}

// NewRunner wires registry, artifact store, and session factory.
func NewRunner(registry *Registry, store artifacts.Store, sessions SessionFactory) *Runner {
	return &Runner{
		registry: registry,
		store:    store,
		sessions: sessions,
		logger:   slog.Default().With("component", "verifier"),
	}
}

// Execute runs every verifier of the plan and returns outcomes in plan
// order. Verifier failures are results, not errors; only infrastructure
// failures (no session, artifact store down) surface as errors.
func (r *Runner) Execute(ctx context.Context, plan Plan) ([]Outcome, error) {
	outcomes := make([]Outcome, len(plan.VerifierIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range plan.VerifierIDs {
		entry, ok := r.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("verifier: plan names unlisted verifier %q", id)
		}
		i := i
		if entry.Independent {
			g.Go(func() error {
				out, err := r.runOne(gctx, entry)
				if err != nil {
					return err
				}
				outcomes[i] = out
				return nil
			})
			continue
		}
		// dependent verifiers run here, in plan order, before Wait
		out, err := r.runOne(gctx, entry)
		if err != nil {
			return nil, err
		}
		outcomes[i] = out
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (r *Runner) runOne(ctx context.Context, entry Entry) (Outcome, error) {
	session, err := r.sessions(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("verifier: session for %s: %w", entry.ID, err)
	}
	defer func() { _ = session.Close(context.WithoutCancel(ctx)) }()

	argv := entry.Argv()
	timeout := time.Duration(entry.TimeoutSec) * time.Second

	exit, stdout, stderr, runErr := session.Run(ctx, argv, timeout)

	report := Report{VerifierID: entry.ID, ExitCode: exit}
	switch {
	case runErr != nil:
		report.Result = contracts.VerifierInconclusive
		report.FailureSignatures = []string{"crash: " + normalizeSignature(runErr.Error())}
		report.Summary = clip("verifier crashed before producing a result: "+runErr.Error(), 400)
		report.Confidence = 0.2
	case exit == 0:
		report.Result = contracts.VerifierPass
		report.Summary = "verifier passed"
		report.Confidence = 0.9
	case exit == 124:
		report.Result = contracts.VerifierFail
		report.FailureSignatures = []string{"timeout"}
		report.Summary = clip(fmt.Sprintf("verifier timed out after %s", timeout), 400)
		report.Confidence = 0.8
	default:
		// one deterministic re-run from a clean restore decides between
		// fail, flaky, and inconclusive
		report = r.retry(ctx, session, entry, argv, timeout, exit, stdout, stderr)
	}

	raw := append([]byte("STDOUT\n"), stdout...)
	raw = append(raw, []byte("\nSTDERR\n")...)
	raw = append(raw, stderr...)
	artifactHash, err := r.store.Put(ctx, raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("verifier: store artifact: %w", err)
	}

	report.NextActions = nextActions(report.Result, entry.ID)
	reportHash, err := artifacts.PutJSON(ctx, r.store, report)
	if err != nil {
		return Outcome{}, fmt.Errorf("verifier: store report: %w", err)
	}

	att := Attestation{
		VerifierID:      entry.ID,
		Command:         argv,
		ConfigHash:      r.registry.ConfigHash(),
		ArtifactHash:    artifactHash,
		ReportHash:      reportHash,
		VerifierVersion: entry.Version,
		Result:          report.Result,
		Confidence:      report.Confidence,
	}
	attHash, err := artifacts.PutJSON(ctx, r.store, att)
	if err != nil {
		return Outcome{}, fmt.Errorf("verifier: store attestation: %w", err)
	}
	att.ID = attHash

	r.logger.Info("verifier finished",
		"verifier", entry.ID, "result", report.Result, "exit", report.ExitCode)

	return Outcome{
		VerifierID:      entry.ID,
		Report:          report,
		ReportHash:      reportHash,
		ArtifactHash:    artifactHash,
		Attestation:     att,
		AttestationHash: attHash,
	}, nil
}

// retry re-runs a failing verifier once from a clean restore. A passing
// re-run means flaky; the same failure again means fail; a different
// failure means the verifier is nondeterministic and the result is
// inconclusive.
func (r *Runner) retry(ctx context.Context, session Session, entry Entry, argv []string, timeout time.Duration, firstExit int, firstStdout, firstStderr []byte) Report {
	report := Report{VerifierID: entry.ID, ExitCode: firstExit, Retried: true}
	firstSigs := failureSignatures(firstStdout, firstStderr)

	if err := session.Restore(ctx); err != nil {
		report.Result = contracts.VerifierInconclusive
		report.FailureSignatures = append(firstSigs, "crash: restore failed")
		report.Summary = clip("could not restore clean state for re-run: "+err.Error(), 400)
		report.Confidence = 0.2
		return report
	}

	exit, stdout, stderr, runErr := session.Run(ctx, argv, timeout)
	switch {
	case runErr != nil || exit == 124:
		report.Result = contracts.VerifierInconclusive
		report.FailureSignatures = firstSigs
		report.Summary = clip("re-run did not complete; first failure stands unconfirmed", 400)
		report.Confidence = 0.2
	case exit == 0:
		report.Result = contracts.VerifierFlaky
		report.FailureSignatures = firstSigs
		report.Summary = clip("failed once, passed on clean re-run", 400)
		report.Confidence = 0.5
	default:
		secondSigs := failureSignatures(stdout, stderr)
		if sameSignatures(firstSigs, secondSigs) {
			report.Result = contracts.VerifierFail
			report.FailureSignatures = firstSigs
			report.Summary = clip(firstLine(firstStderr, firstStdout), 400)
			report.Confidence = 0.95
		} else {
			report.Result = contracts.VerifierInconclusive
			report.FailureSignatures = append(firstSigs, secondSigs...)
			if len(report.FailureSignatures) > 5 {
				report.FailureSignatures = report.FailureSignatures[:5]
			}
			report.Summary = clip("two runs failed differently; verifier is nondeterministic", 400)
			report.Confidence = 0.2
		}
	}
	return report
}

var signatureNoise = regexp.MustCompile(`[0-9]+`)

func normalizeSignature(line string) string {
	line = strings.ToLower(strings.TrimSpace(line))
	return signatureNoise.ReplaceAllString(line, "#")
}

// failureSignatures extracts up to five normalized failure lines from the
// output. Digits collapse to '#' so addresses and counters do not split
// identical failures.
func failureSignatures(stdout, stderr []byte) []string {
	var sigs []string
	seen := make(map[string]bool)
	for _, chunk := range [][]byte{stderr, stdout} {
		for _, line := range strings.Split(string(chunk), "\n") {
			lower := strings.ToLower(line)
			if !strings.Contains(lower, "fail") && !strings.Contains(lower, "error") &&
				!strings.Contains(lower, "panic") {
				continue
			}
			sig := normalizeSignature(line)
			if sig == "" || seen[sig] {
				continue
			}
			seen[sig] = true
			sigs = append(sigs, sig)
			if len(sigs) == 5 {
				return sigs
			}
		}
	}
	return sigs
}

func sameSignatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nextActions(result contracts.VerifierResult, verifierID string) []string {
	switch result {
	case contracts.VerifierFail:
		return []string{
			"inspect the failure artifact",
			"address the failure signatures",
			"re-run " + verifierID,
		}
	case contracts.VerifierFlaky:
		return []string{
			"quarantine the flaky case",
			"re-run " + verifierID + " to confirm stability",
		}
	case contracts.VerifierInconclusive:
		return []string{
			"inspect the artifact for crash context",
			"re-run " + verifierID + " in isolation",
		}
	default:
		return nil
	}
}

func firstLine(preferred, fallback []byte) string {
	for _, chunk := range [][]byte{preferred, fallback} {
		for _, line := range strings.Split(string(chunk), "\n") {
			if strings.TrimSpace(line) != "" {
				return strings.TrimSpace(line)
			}
		}
	}
	return "verifier failed"
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
