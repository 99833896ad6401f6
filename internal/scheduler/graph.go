package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Dependencies maps each node id to the sorted, distinct ids of the nodes
// its inputs are sourced from.
type Dependencies map[string][]string

// BuildDependencies derives the dependency graph from input sources. The
// first path segment of a source names the producing node.
func BuildDependencies(def *types.WorkflowDefinition) Dependencies {
	deps := make(Dependencies, len(def.Nodes))
	for _, id := range def.NodeIDs() {
		seen := make(map[string]bool)
		list := []string{}
		for _, in := range def.Nodes[id].Inputs {
			if in.Source == "" {
				continue
			}
			src, _ := types.ParseSource(in.Source)
			if src == "" || seen[src] {
				continue
			}
			seen[src] = true
			list = append(list, src)
		}
		sort.Strings(list)
		deps[id] = list
	}
	return deps
}

// Ready returns the sorted ids of nodes that are not completed and whose
// dependencies all are.
func (d Dependencies) Ready(completed types.NodeSet) []string {
	var ready []string
	for id, deps := range d {
		if completed.Has(id) {
			continue
		}
		ok := true
		for _, dep := range deps {
			if !completed.Has(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Dependents returns the ids of nodes that consume id's output.
func (d Dependencies) Dependents(id string) []string {
	var out []string
	for node, deps := range d {
		for _, dep := range deps {
			if dep == id {
				out = append(out, node)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Sinks returns the sorted ids of nodes nothing depends on.
func (d Dependencies) Sinks() []string {
	consumed := make(map[string]bool)
	for _, deps := range d {
		for _, dep := range deps {
			consumed[dep] = true
		}
	}
	var sinks []string
	for id := range d {
		if !consumed[id] {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)
	return sinks
}

// Blocked describes why the remaining nodes cannot run: each is listed with
// the dependencies it is still waiting on.
func (d Dependencies) Blocked(completed types.NodeSet) string {
	var ids []string
	for id := range d {
		if !completed.Has(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		var missing []string
		for _, dep := range d[id] {
			if !completed.Has(dep) {
				missing = append(missing, dep)
			}
		}
		parts = append(parts, fmt.Sprintf("%s waits on [%s]", id, strings.Join(missing, ", ")))
	}
	return "circular or unreachable dependencies: " + strings.Join(parts, "; ")
}
