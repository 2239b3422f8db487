package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("go.mod not found")
		}
		dir = parent
	}
}

func TestLoad_ShippedConfigMatchesDefaults(t *testing.T) {
	root := findRepoRoot(t)
	got, err := Load(filepath.Join(root, "configs", "mandelmesh.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if got != want {
		t.Fatalf("shipped config drifted from defaults:\n got %+v\nwant %+v", got, want)
	}
	if got.TickInterval() != time.Second/30 {
		t.Fatalf("tick interval: %v", got.TickInterval())
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mandelmesh.yaml")
	if err := os.WriteFile(path, []byte("resolution: 16\nsplit:\n  policy: max_depth\n  max_depth: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Resolution != 16 || got.Split.Policy != "max_depth" || got.Split.MaxDepth != 3 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.TickRateHz != 30 || got.Mandelbox.MaxIters != 32 {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file should be IsNotExist, got %v", err)
	}

	cases := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "resolution: [", "mandelmesh.yaml"},
		{"resolution", "resolution: 2\n", "resolution must be >= 3"},
		{"policy", "split:\n  policy: random\n", "unknown split.policy"},
		{"depth", "split:\n  policy: distance\n  max_depth: 0\n", "split.max_depth"},
		{"radii", "mandelbox:\n  min_radius2: 2\n", "mandelbox radii"},
		{"tick", "tick_rate_hz: 0\n", "tick_rate_hz"},
		{"keep", "snapshot_keep: -1\n", "snapshot_keep"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mandelmesh.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	tu := Defaults()
	tu.Resolution = 1
	tu.Backlog = 0
	err := tu.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "resolution") || !strings.Contains(msg, "backlog") {
		t.Fatalf("error should mention both fields: %v", msg)
	}
}
