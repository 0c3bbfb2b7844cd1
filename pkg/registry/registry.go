// Package registry builds and holds the merged capability catalog of an
// aggregating MCP proxy. Each upstream server contributes a set of
// capability descriptors (tools, prompts, resources, resource templates);
// the registry merges them into one collision-free namespace and exposes
// the result as an immutable snapshot value. Snapshots are rebuilt
// wholesale and swapped atomically by the owner, so concurrent readers
// never observe a partially merged catalog.
package registry

import (
	"log/slog"
	"time"
)

// Kind classifies a capability by the MCP surface it belongs to.
type Kind string

const (
	KindTool             Kind = "tool"
	KindPrompt           Kind = "prompt"
	KindResource         Kind = "resource"
	KindResourceTemplate Kind = "resource_template"
)

// Descriptor identifies one capability and the upstream target that owns
// it. Name holds the tool or prompt name, or the URI for resources and
// resource templates. Definition carries the upstream's SDK value
// (*mcp.Tool, *mcp.Prompt, *mcp.Resource, *mcp.ResourceTemplate)
// untouched; the proxy routes on (Kind, Name) and never interprets the
// schema payload.
type Descriptor struct {
	Kind       Kind
	Name       string
	Target     string
	Definition any
}

// TargetSet is one target's full descriptor set, in discovery order.
type TargetSet struct {
	Target      string
	Descriptors []Descriptor
}

type catalogKey struct {
	kind Kind
	name string
}

// Snapshot is a point-in-time merged catalog. It is immutable after
// Build and safe for unsynchronized concurrent reads.
type Snapshot struct {
	entries map[catalogKey]Descriptor
	ordered []Descriptor
	targets []string
	builtAt time.Time
}

// Build merges the given descriptor sets into a Snapshot. Sets must be
// supplied in configured-target order: when two targets declare the same
// (kind, name), the earlier target wins and the later descriptor is
// omitted from the snapshot with a warning. The tie-break depends only
// on configuration order, never on which target finished discovery
// first.
func Build(sets []TargetSet, logger *slog.Logger) *Snapshot {
	if logger == nil {
		logger = slog.Default()
	}
	snap := &Snapshot{
		entries: make(map[catalogKey]Descriptor),
		targets: make([]string, 0, len(sets)),
		builtAt: time.Now().UTC(),
	}
	for _, set := range sets {
		snap.targets = append(snap.targets, set.Target)
		for _, desc := range set.Descriptors {
			key := catalogKey{kind: desc.Kind, name: desc.Name}
			if winner, ok := snap.entries[key]; ok {
				logger.Warn("capability shadowed by earlier target",
					"kind", desc.Kind,
					"name", desc.Name,
					"winner", winner.Target,
					"shadowed", desc.Target)
				continue
			}
			snap.entries[key] = desc
			snap.ordered = append(snap.ordered, desc)
		}
	}
	return snap
}

// Lookup resolves a capability to its descriptor.
func (s *Snapshot) Lookup(kind Kind, name string) (Descriptor, bool) {
	desc, ok := s.entries[catalogKey{kind: kind, name: name}]
	return desc, ok
}

// All returns every descriptor in stable order: configured-target order
// first, discovery order within a target. Callers must not modify the
// returned slice.
func (s *Snapshot) All() []Descriptor {
	return s.ordered
}

// Capabilities returns the snapshot's descriptors of one kind, in the
// same stable order as All.
func (s *Snapshot) Capabilities(kind Kind) []Descriptor {
	out := make([]Descriptor, 0, len(s.ordered))
	for _, desc := range s.ordered {
		if desc.Kind == kind {
			out = append(out, desc)
		}
	}
	return out
}

// Targets returns the ids of the targets that contributed to this
// snapshot, in configured order.
func (s *Snapshot) Targets() []string {
	return s.targets
}

// Len reports the number of unique capabilities in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// BuiltAt reports when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}
