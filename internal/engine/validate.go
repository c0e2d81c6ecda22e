package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mkarren/stepflow/pkg/api"
)

// ValidateWorkflow checks a definition before it is accepted: a non-empty
// ID, at least one step, unique step IDs, dependencies that reference
// existing steps, and an acyclic dependency graph. All problems are
// collected so authors can fix a definition in one pass.
func ValidateWorkflow(def api.WorkflowDefinition) error {
	var problems []error

	if def.ID == "" {
		problems = append(problems, api.NewValidationError("workflow ID is required"))
	}
	if len(def.Steps) == 0 {
		problems = append(problems, api.NewValidationError("workflow %q has no steps", def.ID))
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			problems = append(problems, api.NewValidationError("workflow %q: step with empty ID", def.ID))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, api.NewValidationError("workflow %q: duplicate step ID %q", def.ID, s.ID))
		}
		seen[s.ID] = true
		if s.Type == "" {
			problems = append(problems, api.NewValidationError("workflow %q: step %q has no type", def.ID, s.ID))
		}
	}

	for _, s := range def.Steps {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				problems = append(problems, api.NewValidationError(
					"workflow %q: step %q depends on unknown step %q", def.ID, s.ID, dep))
			}
		}
	}

	if cycle := findCycle(def.DependencyMap()); len(cycle) > 0 {
		problems = append(problems, api.NewValidationError(
			"workflow %q: dependency cycle: %s", def.ID, strings.Join(cycle, " -> ")))
	}

	return errors.Join(problems...)
}

// findCycle runs a DFS over the dependency edges and returns one cycle when
// present, empty otherwise.
func findCycle(deps map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(deps))
	parent := make(map[string]string, len(deps))

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue // dangling edge, reported separately
			}
			switch color[dep] {
			case gray:
				// Walk the gray chain back from id to dep.
				cycle = []string{dep}
				for cur := id; ; cur = parent[cur] {
					cycle = append(cycle, cur)
					if cur == dep {
						break
					}
				}
				reverse(cycle)
				return true
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// stuckDiagnostic formats the failure reason when pending steps remain but
// none are ready: either a circular wait that slipped past validation or a
// failed dependency blocking its dependents.
func stuckDiagnostic(run *api.RunState) string {
	pending := run.PendingSteps()
	return fmt.Sprintf(
		"execution stuck: no ready steps while %d pending remain %v (failed or skipped dependency, or circular wait)",
		len(pending), pending)
}
