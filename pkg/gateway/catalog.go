package gateway

import (
	"sync"

	"github.com/openserve-labs/mcp-aggregator/pkg/registry"
)

// catalogMirror remembers which capabilities are currently registered on
// the downstream MCP server so successive snapshots can be applied as
// add/remove deltas. Names that survive a rebuild with an unchanged
// definition are left alone; a capability whose definition (or owning
// target) changed is re-registered.
type catalogMirror struct {
	mu         sync.Mutex
	registered map[registry.Kind]map[string]any
}

type catalogChanges struct {
	removedTools     []string
	removedPrompts   []string
	removedResources []string
	removedTemplates []string
	added            []registry.Descriptor
}

func newCatalogMirror() *catalogMirror {
	return &catalogMirror{
		registered: map[registry.Kind]map[string]any{
			registry.KindTool:             {},
			registry.KindPrompt:           {},
			registry.KindResource:         {},
			registry.KindResourceTemplate: {},
		},
	}
}

func (m *catalogMirror) diff(snap *registry.Snapshot) catalogChanges {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := map[registry.Kind]map[string]any{
		registry.KindTool:             {},
		registry.KindPrompt:           {},
		registry.KindResource:         {},
		registry.KindResourceTemplate: {},
	}
	var changes catalogChanges

	for _, desc := range snap.All() {
		kindSet, ok := desired[desc.Kind]
		if !ok {
			continue
		}
		kindSet[desc.Name] = desc.Definition
		if current, registered := m.registered[desc.Kind][desc.Name]; !registered || current != desc.Definition {
			changes.added = append(changes.added, desc)
		}
	}

	collectRemoved := func(kind registry.Kind) []string {
		var removed []string
		for name, def := range m.registered[kind] {
			if want, ok := desired[kind][name]; !ok || want != def {
				removed = append(removed, name)
			}
		}
		return removed
	}
	changes.removedTools = collectRemoved(registry.KindTool)
	changes.removedPrompts = collectRemoved(registry.KindPrompt)
	changes.removedResources = collectRemoved(registry.KindResource)
	changes.removedTemplates = collectRemoved(registry.KindResourceTemplate)

	m.registered = desired
	return changes
}
