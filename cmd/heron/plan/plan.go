package plan

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/SanteonNL/heron/cmd/heron/manifest"
)

// referenceGraph captures which resource types a type may reference. A type
// can only be loaded once everything it points at is already on the server,
// otherwise referential integrity checks reject the batch.
var referenceGraph = map[string][]string{
	"Organization":             {},
	"Medication":               {},
	"Location":                 {"Organization"},
	"Patient":                  {"Organization"},
	"Encounter":                {"Patient", "Location", "Organization"},
	"Specimen":                 {"Patient"},
	"Condition":                {"Patient", "Encounter"},
	"Procedure":                {"Patient", "Encounter"},
	"Observation":              {"Patient", "Encounter", "Specimen"},
	"MedicationRequest":        {"Patient", "Encounter", "Medication"},
	"MedicationAdministration": {"Patient", "Encounter", "Medication", "MedicationRequest"},
	"MedicationDispense":       {"Patient", "Encounter", "Medication", "MedicationRequest"},
	"MedicationStatement":      {"Patient", "Encounter", "Medication"},
}

// KnownTypes lists every resource type in the reference graph, sorted.
func KnownTypes() []string {
	types := maps.Keys(referenceGraph)
	slices.Sort(types)
	return types
}

// CyclicDependencyError reports resource types that could not be ordered
// because their dependencies form a cycle.
type CyclicDependencyError struct {
	Types []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle among resource types: %s", strings.Join(e.Types, ", "))
}

// Level is one wave of the import plan. Every file in a level only references
// types loaded in earlier levels, so the whole wave can run concurrently.
type Level struct {
	Types []string
	Files manifest.Manifest
}

// Plan is the ordered sequence of import waves for a manifest.
type Plan struct {
	Levels []Level

	// Unknown lists types absent from the reference graph. They ride in the
	// final level so anything they might reference is already present.
	Unknown []string
}

// FileCount returns the number of files across all levels.
func (p Plan) FileCount() int {
	n := 0
	for _, level := range p.Levels {
		n += len(level.Files)
	}
	return n
}

// TotalBytes sums the on-disk size of every planned file.
func (p Plan) TotalBytes() int64 {
	var total int64
	for _, level := range p.Levels {
		total += level.Files.TotalBytes()
	}
	return total
}

// Build orders the manifest into dependency levels. Types appearing in the
// reference graph are sorted topologically, restricted to the types actually
// present; unrecognized types are appended as a trailing level. The result is
// deterministic for a given manifest.
func Build(m manifest.Manifest) (Plan, error) {
	byType := m.ByType()

	estimates := make(map[string]int64, len(byType))
	for resourceType, files := range byType {
		for _, file := range files {
			estimates[resourceType] += file.RecordEstimate
		}
	}

	var known, unknown []string
	for _, resourceType := range m.Types() {
		if _, ok := referenceGraph[resourceType]; ok {
			known = append(known, resourceType)
		} else {
			unknown = append(unknown, resourceType)
		}
	}

	levels, err := sortLevels(known)
	if err != nil {
		return Plan{}, err
	}
	if len(unknown) > 0 {
		levels = append(levels, slices.Clone(unknown))
	}

	plan := Plan{Unknown: unknown}
	for _, types := range levels {
		orderTypes(types, estimates)
		level := Level{Types: types}
		for _, resourceType := range types {
			level.Files = append(level.Files, byType[resourceType]...)
		}
		orderFiles(level.Files)
		plan.Levels = append(plan.Levels, level)
	}
	return plan, nil
}

// sortLevels is Kahn's algorithm over the reference graph restricted to the
// present types, emitting each ready set as one level.
func sortLevels(present []string) ([][]string, error) {
	presentSet := make(map[string]bool, len(present))
	for _, resourceType := range present {
		presentSet[resourceType] = true
	}

	pending := make(map[string]map[string]bool, len(present))
	for _, resourceType := range present {
		deps := make(map[string]bool)
		for _, dep := range referenceGraph[resourceType] {
			if presentSet[dep] {
				deps[dep] = true
			}
		}
		pending[resourceType] = deps
	}

	var levels [][]string
	for len(pending) > 0 {
		var ready []string
		for resourceType, deps := range pending {
			if len(deps) == 0 {
				ready = append(ready, resourceType)
			}
		}
		if len(ready) == 0 {
			remaining := maps.Keys(pending)
			slices.Sort(remaining)
			return nil, &CyclicDependencyError{Types: remaining}
		}

		for _, resourceType := range ready {
			delete(pending, resourceType)
		}
		for _, deps := range pending {
			for _, resourceType := range ready {
				delete(deps, resourceType)
			}
		}
		levels = append(levels, ready)
	}
	return levels, nil
}

// orderTypes sorts a level in place, largest estimated load first so the
// longest imports start earliest, with name as the tie breaker.
func orderTypes(types []string, estimates map[string]int64) {
	slices.SortFunc(types, func(a, b string) int {
		if estimates[a] != estimates[b] {
			if estimates[a] > estimates[b] {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})
}

// orderFiles applies the same ordering to a level's files, so the biggest
// file of the wave is submitted first no matter which type it belongs to.
func orderFiles(files manifest.Manifest) {
	slices.SortFunc(files, func(a, b manifest.ResourceFile) int {
		if a.RecordEstimate != b.RecordEstimate {
			if a.RecordEstimate > b.RecordEstimate {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}
