package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI executes one grove invocation against a fresh command tree and
// returns the exit code plus everything written to the command's output.
func runCLI(t *testing.T, stdin string, args ...string) (int, string) {
	t.Helper()

	cmd := newRootCommand("test", "none", "none")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	if stdin != "" {
		cmd.SetIn(strings.NewReader(stdin))
	}
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return exitCodeFor(err), buf.String()
	}
	return ExitSuccess, buf.String()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// testWorkspace lays out a settings file on the memory backend and a
// manifest in a temp directory.
func testWorkspace(t *testing.T, manifest string) (settingsPath, manifestPath string) {
	t.Helper()
	dir := t.TempDir()

	settingsPath = filepath.Join(dir, "grove.yaml")
	writeFile(t, settingsPath, fmt.Sprintf(`state_path: %q
backend: memory
telemetry:
  log_level: error
`, filepath.Join(dir, "state.db")))

	manifestPath = filepath.Join(dir, "deploy.cue")
	writeFile(t, manifestPath, manifest)
	return settingsPath, manifestPath
}

const lifecycleManifest = `deployment: "demo"

resources: {
	net: {
		kind: "network"
		config: {cidr: "10.0.0.0/16"}
	}
	app: {
		kind: "compute-cluster"
		config: {subnet: "${net.id}", nodes: 2}
		depends_on: ["net"]
	}
}
`

func TestLifecycle(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)

	code, out := runCLI(t, "", "-c", settings, "validate", manifest)
	if code != ExitSuccess {
		t.Fatalf("validate exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "Manifest valid") {
		t.Errorf("validate output missing confirmation:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "plan", "demo", "-f", manifest)
	if code != ExitSuccess {
		t.Fatalf("plan exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "+ net") || !strings.Contains(out, "+ app") {
		t.Errorf("plan should list both creates:\n%s", out)
	}
	if !strings.Contains(out, "2 to create") {
		t.Errorf("plan should count 2 creates:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("apply exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, `✓ Deployment "demo" applied`) {
		t.Errorf("apply output missing confirmation:\n%s", out)
	}

	// Unchanged manifest: the second apply must cost nothing.
	code, out = runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("second apply exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "2 unchanged") {
		t.Errorf("second apply should be all noops:\n%s", out)
	}
	if !strings.Contains(out, "No changes") {
		t.Errorf("second apply plan should report no changes:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "status", "demo")
	if code != ExitSuccess {
		t.Fatalf("status exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, `Deployment "demo": 2 resources`) {
		t.Errorf("status should list 2 resources:\n%s", out)
	}
	if !strings.Contains(out, "created") {
		t.Errorf("status should show created resources:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "status", "demo", "--events")
	if code != ExitSuccess {
		t.Fatalf("status --events exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "step_completed") {
		t.Errorf("event timeline should include step completions:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "verify", "demo")
	if code != ExitSuccess {
		t.Fatalf("verify exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, `✓ All 2 probes passed for "demo"`) {
		t.Errorf("verify output missing confirmation:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "destroy", "demo", "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("destroy exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "- app") || !strings.Contains(out, "- net") {
		t.Errorf("destroy plan should list both deletes:\n%s", out)
	}
	if !strings.Contains(out, `✓ Deployment "demo" destroyed`) {
		t.Errorf("destroy output missing confirmation:\n%s", out)
	}

	// Everything is gone; a second destroy has nothing to do.
	code, out = runCLI(t, "", "-c", settings, "destroy", "demo", "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("second destroy exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "Nothing to destroy") {
		t.Errorf("second destroy should find nothing:\n%s", out)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	settings, manifest := testWorkspace(t, `deployment: "demo"

resources: {
	good: {
		kind: "network"
		config: {}
	}
	bad: {
		kind: "network"
		config: {fail: "create"}
	}
	child: {
		kind: "registry"
		config: {}
		depends_on: ["bad"]
	}
}
`)

	code, out := runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitPartialFailure {
		t.Fatalf("apply exit = %d, want %d\n%s", code, ExitPartialFailure, out)
	}
	if !strings.Contains(out, "Failed:") || !strings.Contains(out, "bad") {
		t.Errorf("output should name the failed resource:\n%s", out)
	}
	if !strings.Contains(out, "Skipped behind a failed dependency:") || !strings.Contains(out, "child") {
		t.Errorf("output should name the skipped dependent:\n%s", out)
	}
	if !strings.Contains(out, "1 succeeded") {
		t.Errorf("output should count the surviving resource:\n%s", out)
	}
}

func TestApplyTotalFailure(t *testing.T) {
	settings, manifest := testWorkspace(t, `deployment: "demo"

resources: {
	only: {
		kind: "network"
		config: {fail: "create"}
	}
}
`)

	code, out := runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitTotalFailure {
		t.Fatalf("apply exit = %d, want %d\n%s", code, ExitTotalFailure, out)
	}
}

func TestApplyPrompt(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)

	// Anything but an exact yes declines.
	code, out := runCLI(t, "no\n", "-c", settings, "apply", "demo", "-f", manifest)
	if code != ExitSuccess {
		t.Fatalf("declined apply exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "Apply cancelled.") {
		t.Errorf("declined apply should say so:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "status", "demo")
	if code != ExitFatal {
		t.Fatalf("status exit = %d, want %d: nothing should have been recorded\n%s", code, ExitFatal, out)
	}

	code, out = runCLI(t, "yes\n", "-c", settings, "apply", "demo", "-f", manifest)
	if code != ExitSuccess {
		t.Fatalf("confirmed apply exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, `✓ Deployment "demo" applied`) {
		t.Errorf("confirmed apply output missing confirmation:\n%s", out)
	}
}

func TestDestroyProtectedDenied(t *testing.T) {
	settings, manifest := testWorkspace(t, `deployment: "demo"

resources: {
	db: {
		kind: "database"
		config: {}
		labels: {protected: "true"}
	}
}
`)

	code, out := runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("apply exit = %d, want 0\n%s", code, out)
	}

	code, out = runCLI(t, "", "-c", settings, "destroy", "demo", "--auto-approve")
	if code != ExitFatal {
		t.Fatalf("destroy of a protected resource: exit = %d, want %d\n%s", code, ExitFatal, out)
	}

	// The policy can be disabled explicitly, and then the teardown runs.
	code, out = runCLI(t, "", "-c", settings, "destroy", "demo", "--auto-approve",
		"--disable-policy", "protected-resources")
	if code != ExitSuccess {
		t.Fatalf("destroy with policy disabled: exit = %d, want 0\n%s", code, out)
	}
}

func TestValidateBadManifest(t *testing.T) {
	settings, manifest := testWorkspace(t, `deployment: "demo"

resources: {
	net: {
		config: {}
	}
}
`)

	code, out := runCLI(t, "", "-c", settings, "validate", manifest)
	if code != ExitFatal {
		t.Fatalf("validate exit = %d, want %d\n%s", code, ExitFatal, out)
	}
	if !strings.Contains(out, "error:") {
		t.Errorf("validate should print the findings:\n%s", out)
	}
}

func TestPlanCycle(t *testing.T) {
	settings, manifest := testWorkspace(t, `deployment: "loop"

resources: {
	a: {
		kind: "network"
		depends_on: ["b"]
	}
	b: {
		kind: "network"
		depends_on: ["a"]
	}
}
`)

	code, out := runCLI(t, "", "-c", settings, "plan", "loop", "-f", manifest)
	if code != ExitFatal {
		t.Fatalf("plan exit = %d, want %d\n%s", code, ExitFatal, out)
	}
}

func TestManifestDeploymentMismatch(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)

	code, out := runCLI(t, "", "-c", settings, "plan", "other", "-f", manifest)
	if code != ExitFatal {
		t.Fatalf("plan exit = %d, want %d\n%s", code, ExitFatal, out)
	}
}

func TestStatusUnknownDeployment(t *testing.T) {
	settings, _ := testWorkspace(t, lifecycleManifest)

	code, out := runCLI(t, "", "-c", settings, "status", "nope")
	if code != ExitFatal {
		t.Fatalf("status exit = %d, want %d\n%s", code, ExitFatal, out)
	}
}

func TestApplyDryRunLeavesNoState(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)

	code, out := runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--dry-run")
	if code != ExitSuccess {
		t.Fatalf("dry run exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "Dry run") {
		t.Errorf("dry run output missing confirmation:\n%s", out)
	}

	code, out = runCLI(t, "", "-c", settings, "status", "demo")
	if code != ExitFatal {
		t.Fatalf("status exit = %d, want %d: dry run must not record state\n%s", code, ExitFatal, out)
	}
}

func TestBackupRestore(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)
	snapshot := filepath.Join(t.TempDir(), "state.bak")

	code, out := runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("apply exit = %d, want 0\n%s", code, out)
	}

	code, out = runCLI(t, "", "-c", settings, "backup", "--out", snapshot)
	if code != ExitSuccess {
		t.Fatalf("backup exit = %d, want 0\n%s", code, out)
	}
	if _, err := os.Stat(snapshot); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	code, out = runCLI(t, "", "-c", settings, "destroy", "demo", "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("destroy exit = %d, want 0\n%s", code, out)
	}
	code, out = runCLI(t, "", "-c", settings, "status", "demo")
	if !strings.Contains(out, `Deployment "demo": 0 resources`) {
		t.Fatalf("destroy should have removed the records (exit %d):\n%s", code, out)
	}

	code, out = runCLI(t, "", "-c", settings, "restore", "--from", snapshot, "--force")
	if code != ExitSuccess {
		t.Fatalf("restore exit = %d, want 0\n%s", code, out)
	}

	code, out = runCLI(t, "", "-c", settings, "status", "demo")
	if code != ExitSuccess {
		t.Fatalf("status after restore exit = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, `Deployment "demo": 2 resources`) {
		t.Errorf("restored state should hold both resources:\n%s", out)
	}
}

func TestRestoreRefusesWithoutForce(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)
	snapshot := filepath.Join(t.TempDir(), "state.bak")

	code, out := runCLI(t, "", "-c", settings, "apply", "demo", "-f", manifest, "--auto-approve")
	if code != ExitSuccess {
		t.Fatalf("apply exit = %d, want 0\n%s", code, out)
	}
	code, out = runCLI(t, "", "-c", settings, "backup", "--out", snapshot)
	if code != ExitSuccess {
		t.Fatalf("backup exit = %d, want 0\n%s", code, out)
	}

	code, out = runCLI(t, "", "-c", settings, "restore", "--from", snapshot)
	if code != ExitFatal {
		t.Fatalf("restore over an existing database: exit = %d, want %d\n%s", code, ExitFatal, out)
	}
}

func TestPlanJSON(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)

	code, out := runCLI(t, "", "-c", settings, "plan", "demo", "-f", manifest, "--json")
	if code != ExitSuccess {
		t.Fatalf("plan exit = %d, want 0\n%s", code, out)
	}

	var decoded struct {
		DeploymentID string `json:"deployment_id"`
		Steps        []struct {
			ResourceID string `json:"resource_id"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("plan --json output is not JSON: %v\n%s", err, out)
	}
	if decoded.DeploymentID != "demo" {
		t.Errorf("DeploymentID = %q, want demo", decoded.DeploymentID)
	}
	if len(decoded.Steps) != 2 {
		t.Errorf("len(Steps) = %d, want 2", len(decoded.Steps))
	}
}

func TestPlanArtifacts(t *testing.T) {
	settings, manifest := testWorkspace(t, lifecycleManifest)
	dir := t.TempDir()
	planFile := filepath.Join(dir, "plan.json")
	dotFile := filepath.Join(dir, "plan.dot")

	code, out := runCLI(t, "", "-c", settings, "plan", "demo", "-f", manifest,
		"--out", planFile, "--dot", dotFile)
	if code != ExitSuccess {
		t.Fatalf("plan exit = %d, want 0\n%s", code, out)
	}

	data, err := os.ReadFile(planFile)
	if err != nil {
		t.Fatalf("plan file missing: %v", err)
	}
	if !json.Valid(data) {
		t.Errorf("plan file is not valid JSON")
	}

	dot, err := os.ReadFile(dotFile)
	if err != nil {
		t.Fatalf("graph file missing: %v", err)
	}
	if !strings.Contains(string(dot), "digraph") {
		t.Errorf("graph file is not DOT:\n%s", dot)
	}
}

func TestInitScaffold(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	code, out := runCLI(t, "", "init", "demo")
	if code != ExitSuccess {
		t.Fatalf("init exit = %d, want 0\n%s", code, out)
	}
	for _, path := range []string{"grove.yaml", filepath.Join("deploy", "demo.cue"), filepath.Join(".grove", "state.db")} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("init should have created %s: %v", path, err)
		}
	}
	if !strings.Contains(out, "Next steps:") {
		t.Errorf("init output missing next steps:\n%s", out)
	}

	// The scaffold must itself be valid.
	code, out = runCLI(t, "", "validate", filepath.Join("deploy", "demo.cue"))
	if code != ExitSuccess {
		t.Fatalf("validate of the scaffold exit = %d, want 0\n%s", code, out)
	}
}
