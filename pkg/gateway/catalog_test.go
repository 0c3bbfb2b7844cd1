package gateway

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openserve-labs/mcp-aggregator/pkg/registry"
)

func snapshotOf(t *testing.T, descs ...registry.Descriptor) *registry.Snapshot {
	t.Helper()
	return registry.Build([]registry.TargetSet{{Target: "t1", Descriptors: descs}}, testLogger())
}

func TestCatalogMirrorAddsNewCapabilities(t *testing.T) {
	mirror := newCatalogMirror()
	toolDef := &mcp.Tool{Name: "a"}

	changes := mirror.diff(snapshotOf(t,
		registry.Descriptor{Kind: registry.KindTool, Name: "a", Target: "t1", Definition: toolDef},
	))
	if len(changes.added) != 1 || changes.added[0].Name != "a" {
		t.Fatalf("added = %v, want the new tool", changes.added)
	}
	if len(changes.removedTools) != 0 {
		t.Fatalf("removedTools = %v, want none on first publication", changes.removedTools)
	}
}

func TestCatalogMirrorLeavesUnchangedEntriesAlone(t *testing.T) {
	mirror := newCatalogMirror()
	toolDef := &mcp.Tool{Name: "a"}
	snap := snapshotOf(t,
		registry.Descriptor{Kind: registry.KindTool, Name: "a", Target: "t1", Definition: toolDef},
	)

	mirror.diff(snap)
	changes := mirror.diff(snap)
	if len(changes.added) != 0 || len(changes.removedTools) != 0 {
		t.Fatalf("re-applying an identical snapshot produced changes: %+v", changes)
	}
}

func TestCatalogMirrorReRegistersChangedDefinition(t *testing.T) {
	mirror := newCatalogMirror()
	mirror.diff(snapshotOf(t,
		registry.Descriptor{Kind: registry.KindTool, Name: "a", Target: "t1", Definition: &mcp.Tool{Name: "a"}},
	))

	// A rebuilt descriptor carries a fresh definition value even when the
	// name survives; the mirror must re-register it.
	changes := mirror.diff(snapshotOf(t,
		registry.Descriptor{Kind: registry.KindTool, Name: "a", Target: "t1", Definition: &mcp.Tool{Name: "a"}},
	))
	if len(changes.removedTools) != 1 || changes.removedTools[0] != "a" {
		t.Fatalf("removedTools = %v, want the stale registration", changes.removedTools)
	}
	if len(changes.added) != 1 {
		t.Fatalf("added = %v, want the replacement registration", changes.added)
	}
}

func TestCatalogMirrorRemovesVanishedCapabilities(t *testing.T) {
	mirror := newCatalogMirror()
	toolDef := &mcp.Tool{Name: "a"}
	promptDef := &mcp.Prompt{Name: "p"}
	mirror.diff(snapshotOf(t,
		registry.Descriptor{Kind: registry.KindTool, Name: "a", Target: "t1", Definition: toolDef},
		registry.Descriptor{Kind: registry.KindPrompt, Name: "p", Target: "t1", Definition: promptDef},
	))

	changes := mirror.diff(snapshotOf(t,
		registry.Descriptor{Kind: registry.KindTool, Name: "a", Target: "t1", Definition: toolDef},
	))
	if len(changes.removedPrompts) != 1 || changes.removedPrompts[0] != "p" {
		t.Fatalf("removedPrompts = %v, want the vanished prompt", changes.removedPrompts)
	}
	if len(changes.removedTools) != 0 || len(changes.added) != 0 {
		t.Fatalf("surviving tool must be untouched, got %+v", changes)
	}
}
