package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliAllowlist = `
verifiers:
  - id: v-unit
    type: unit
    command: "true"
    scopes: ["src/"]
    priority: 10
    timeout_seconds: 30
mood_defaults:
  CALM: [v-unit]
`

// setLiteEnv points every storage path at temp dirs so commands run in lite
// mode without touching the working directory.
func setLiteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DIRECTOR_DATA_DIR", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("DIRECTOR_ARTIFACT_URL", "")

	path := filepath.Join(t.TempDir(), "verifiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliAllowlist), 0o640))
	t.Setenv("DIRECTOR_VERIFIERS", path)
	t.Setenv("DIRECTOR_MOODS", filepath.Join(t.TempDir(), "absent.yaml"))
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"director"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunWithoutCommandPrintsUsage(t *testing.T) {
	setLiteEnv(t)
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "Usage:")
}

func TestUnknownCommand(t *testing.T) {
	setLiteEnv(t)
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestVersion(t *testing.T) {
	setLiteEnv(t)
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, version)
}

func TestRebuildEmptyLogIsConsistent(t *testing.T) {
	setLiteEnv(t)
	code, stdout, stderr := runCLI(t, "rebuild")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "consistent sha256:")
}

func TestEventsAppendThenRebuild(t *testing.T) {
	setLiteEnv(t)

	code, stdout, stderr := runCLI(t, "events", "append",
		"-type", "note.observation",
		"-payload", `{"text":"checked the logs"}`)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "appended seq=1")

	code, stdout, stderr = runCLI(t, "rebuild")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "consistent")
}

func TestEventsAppendRejectsMalformedType(t *testing.T) {
	setLiteEnv(t)
	code, _, _ := runCLI(t, "events", "append", "-type", "not a type!")
	assert.Equal(t, exitContract, code)
}

func TestVerifyPrintsPlan(t *testing.T) {
	setLiteEnv(t)
	code, stdout, stderr := runCLI(t, "verify", "-mood", "CALM", "-paths", "src/main.go")
	require.Equal(t, exitOK, code, stderr)

	var plan struct {
		PlanID      string   `json:"plan_id"`
		VerifierIDs []string `json:"verifier_ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &plan))
	assert.True(t, strings.HasPrefix(plan.PlanID, "sha256:"))
	assert.Equal(t, []string{"v-unit"}, plan.VerifierIDs)
}

func TestVerifyMissingAllowlist(t *testing.T) {
	setLiteEnv(t)
	t.Setenv("DIRECTOR_VERIFIERS", filepath.Join(t.TempDir(), "nope.yaml"))
	code, _, _ := runCLI(t, "verify")
	assert.Equal(t, exitAllowlist, code)
}

func TestSubmitRequiresFlags(t *testing.T) {
	setLiteEnv(t)
	code, _, stderr := runCLI(t, "submit")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "-id")
}

func TestMoodUnknownWorkItem(t *testing.T) {
	setLiteEnv(t)
	code, _, stderr := runCLI(t, "mood", "-item", "missing")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "not found")
}

func TestServeRequiresLeaseSecret(t *testing.T) {
	setLiteEnv(t)
	t.Setenv("DIRECTOR_LEASE_SECRET", "")
	code, _, stderr := runCLI(t, "serve")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "DIRECTOR_LEASE_SECRET")
}
