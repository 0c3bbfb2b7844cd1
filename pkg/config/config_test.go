package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openserve-labs/mcp-aggregator/pkg/upstream"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
upstreams:
  - id: notes
    endpoint: http://127.0.0.1:9001/mcp
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Name != "mcp-aggregator" || cfg.Version != "1.0.0" {
		t.Fatalf("identity defaults not applied: %+v", cfg)
	}
	if cfg.Listen != ":8700" || cfg.Path != "/mcp" {
		t.Fatalf("listen defaults not applied: %+v", cfg)
	}
	if cfg.DefaultTimeout != 30*time.Second || cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("timeout defaults not applied: %+v", cfg)
	}
}

func TestLoadPreservesUpstreamOrder(t *testing.T) {
	path := writeConfig(t, `
upstreams:
  - id: zeta
    endpoint: http://127.0.0.1:9001/mcp
  - id: alpha
    endpoint: http://127.0.0.1:9002/mcp
  - id: mid
    command: /usr/local/bin/notes-server
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := []string{"zeta", "alpha", "mid"}
	specs := cfg.TargetSpecs()
	if len(specs) != len(want) {
		t.Fatalf("TargetSpecs() returned %d specs, want %d", len(specs), len(want))
	}
	for i, spec := range specs {
		if spec.ID != want[i] {
			t.Fatalf("specs[%d].ID = %q, want %q (file order decides collisions)", i, spec.ID, want[i])
		}
	}
}

func TestTargetSpecsTransportSelection(t *testing.T) {
	path := writeConfig(t, `
upstreams:
  - id: web
    endpoint: http://127.0.0.1:9001/mcp
    headers:
      Authorization: Bearer abc
    timeout: 5s
  - id: local
    command: /usr/local/bin/notes-server
    args: ["--fast"]
    env:
      NOTES_DIR: /tmp/notes
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	specs := cfg.TargetSpecs()

	httpCfg, ok := specs[0].Config.(*upstream.HTTPTargetConfig)
	if !ok {
		t.Fatalf("specs[0].Config = %T, want HTTP transport", specs[0].Config)
	}
	if httpCfg.Endpoint != "http://127.0.0.1:9001/mcp" {
		t.Fatalf("endpoint = %q", httpCfg.Endpoint)
	}
	if got := httpCfg.Headers.Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("Authorization header = %q, want Bearer abc", got)
	}
	if httpCfg.Timeout != 5*time.Second {
		t.Fatalf("timeout = %s, want 5s", httpCfg.Timeout)
	}

	stdioCfg, ok := specs[1].Config.(*upstream.StdioTargetConfig)
	if !ok {
		t.Fatalf("specs[1].Config = %T, want stdio transport", specs[1].Config)
	}
	if stdioCfg.Command != "/usr/local/bin/notes-server" || len(stdioCfg.Args) != 1 {
		t.Fatalf("stdio config = %+v", stdioCfg)
	}
	if stdioCfg.Env["NOTES_DIR"] != "/tmp/notes" {
		t.Fatalf("stdio env = %v", stdioCfg.Env)
	}
}

func TestLoadRejectsEmptyUpstreams(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
`)
	if _, err := Load(path); !errors.Is(err, ErrNoUpstreams) {
		t.Fatalf("Load() = %v, want ErrNoUpstreams", err)
	}
}

func TestLoadRejectsMissingID(t *testing.T) {
	path := writeConfig(t, `
upstreams:
  - endpoint: http://127.0.0.1:9001/mcp
`)
	if _, err := Load(path); !errors.Is(err, ErrMissingTargetID) {
		t.Fatalf("Load() = %v, want ErrMissingTargetID", err)
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	path := writeConfig(t, `
upstreams:
  - id: twin
    endpoint: http://127.0.0.1:9001/mcp
  - id: twin
    endpoint: http://127.0.0.1:9002/mcp
`)
	if _, err := Load(path); !errors.Is(err, ErrDuplicateTarget) {
		t.Fatalf("Load() = %v, want ErrDuplicateTarget", err)
	}
}

func TestLoadRejectsAmbiguousTransport(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"both endpoint and command", `
upstreams:
  - id: confused
    endpoint: http://127.0.0.1:9001/mcp
    command: /usr/local/bin/notes-server
`},
		{"neither endpoint nor command", `
upstreams:
  - id: empty
`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.yaml)
		if _, err := Load(path); !errors.Is(err, ErrAmbiguousTransport) {
			t.Fatalf("%s: Load() = %v, want ErrAmbiguousTransport", tc.name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load() on a missing file must fail")
	}
}
