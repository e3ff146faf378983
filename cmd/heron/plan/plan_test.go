package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanteonNL/heron/cmd/heron/manifest"
)

func file(name string, estimate int64) manifest.ResourceFile {
	return manifest.ResourceFile{
		Name:           name,
		ResourceType:   manifest.InferResourceType(name),
		RecordEstimate: estimate,
	}
}

func TestBuildCoreOrdering(t *testing.T) {
	m := manifest.Manifest{
		file("Encounter.ndjson.gz", 500),
		file("Organization.ndjson", 2),
		file("Patient.ndjson", 100),
	}

	p, err := Build(m)
	require.NoError(t, err)
	require.Len(t, p.Levels, 3)

	assert.Equal(t, []string{"Organization"}, p.Levels[0].Types)
	assert.Equal(t, []string{"Patient"}, p.Levels[1].Types)
	assert.Equal(t, []string{"Encounter"}, p.Levels[2].Types)
	assert.Empty(t, p.Unknown)
	assert.Equal(t, 3, p.FileCount())
}

func TestBuildNoForwardReferences(t *testing.T) {
	m := manifest.Manifest{
		file("MimicOrganization.ndjson", 1),
		file("MimicLocation.ndjson", 40),
		file("MimicMedication.ndjson", 900),
		file("MimicPatient.ndjson", 300),
		file("MimicEncounter.ndjson", 1200),
		file("MimicSpecimen.ndjson", 700),
		file("MimicCondition.ndjson", 2000),
		file("MimicProcedure.ndjson", 800),
		file("MimicObservationChartevents.ndjson.gz", 90000),
		file("MimicObservationLabevents.ndjson.gz", 60000),
		file("MimicMedicationRequest.ndjson", 3000),
		file("MimicMedicationAdministration.ndjson", 2500),
		file("MimicMedicationDispense.ndjson", 2400),
		file("MimicMedicationStatement.ndjson", 2200),
	}

	p, err := Build(m)
	require.NoError(t, err)

	levelOf := map[string]int{}
	for i, level := range p.Levels {
		for _, resourceType := range level.Types {
			_, seen := levelOf[resourceType]
			assert.False(t, seen, "type %s planned twice", resourceType)
			levelOf[resourceType] = i
		}
	}
	require.Len(t, levelOf, 13)

	for resourceType, deps := range referenceGraph {
		typeLevel, present := levelOf[resourceType]
		if !present {
			continue
		}
		for _, dep := range deps {
			depLevel, present := levelOf[dep]
			if !present {
				continue
			}
			assert.Less(t, depLevel, typeLevel,
				"%s must load after %s", resourceType, dep)
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	m := manifest.Manifest{
		file("MimicOrganization.ndjson", 1),
		file("MimicMedication.ndjson", 900),
		file("MimicPatient.ndjson", 300),
		file("MimicEncounter.ndjson", 1200),
		file("MimicCondition.ndjson", 2000),
		file("MimicObservationChartevents.ndjson.gz", 90000),
	}

	first, err := Build(m)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		next, err := Build(m)
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
}

func TestBuildLevelOrderedByEstimate(t *testing.T) {
	m := manifest.Manifest{
		file("MimicPatient.ndjson", 10),
		file("MimicEncounter.ndjson", 10),
		file("MimicCondition.ndjson", 50),
		file("MimicProcedure.ndjson", 700),
		file("MimicMedicationRequest.ndjson", 50),
	}

	p, err := Build(m)
	require.NoError(t, err)
	require.Len(t, p.Levels, 3)

	// Procedure has the largest estimate; Condition and MedicationRequest tie
	// and fall back to name order.
	assert.Equal(t, []string{"Procedure", "Condition", "MedicationRequest"}, p.Levels[2].Types)
}

func TestBuildUnknownTypesTrail(t *testing.T) {
	m := manifest.Manifest{
		file("CarePlan.ndjson", 10),
		file("MimicPatient.ndjson", 100),
		file("custom_export.ndjson", 99),
	}

	p, err := Build(m)
	require.NoError(t, err)
	require.Len(t, p.Levels, 2)

	assert.Equal(t, []string{"Patient"}, p.Levels[0].Types)
	assert.Equal(t, []string{"custom_export", "CarePlan"}, p.Levels[1].Types)
	assert.Equal(t, []string{"CarePlan", "custom_export"}, p.Unknown)
}

func TestBuildCycleDetected(t *testing.T) {
	referenceGraph["Widget"] = []string{"Gadget"}
	referenceGraph["Gadget"] = []string{"Widget"}
	defer func() {
		delete(referenceGraph, "Widget")
		delete(referenceGraph, "Gadget")
	}()

	m := manifest.Manifest{
		file("Widget.ndjson", 1),
		file("Gadget.ndjson", 1),
	}

	_, err := Build(m)
	require.Error(t, err)

	var cycleErr *CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"Gadget", "Widget"}, cycleErr.Types)
}

func TestBuildLevelFilesLargestFirst(t *testing.T) {
	m := manifest.Manifest{
		file("MimicObservationChartevents.ndjson.gz", 60000),
		file("MimicObservationLabevents.ndjson.gz", 90000),
		file("MimicPatient.ndjson", 10),
		file("MimicSpecimen.ndjson", 100),
		file("MimicCondition.ndjson", 50),
		file("MimicProcedure.ndjson", 50),
	}

	p, err := Build(m)
	require.NoError(t, err)
	require.Len(t, p.Levels, 3)

	middle := p.Levels[1]
	assert.Equal(t, []string{"Specimen", "Condition", "Procedure"}, middle.Types)
	require.Len(t, middle.Files, 3)
	assert.Equal(t, "MimicSpecimen.ndjson", middle.Files[0].Name)
	// Equal estimates fall back to name order.
	assert.Equal(t, "MimicCondition.ndjson", middle.Files[1].Name)
	assert.Equal(t, "MimicProcedure.ndjson", middle.Files[2].Name)

	last := p.Levels[2]
	require.Equal(t, []string{"Observation"}, last.Types)
	require.Len(t, last.Files, 2)
	assert.Equal(t, "MimicObservationLabevents.ndjson.gz", last.Files[0].Name)
	assert.Equal(t, "MimicObservationChartevents.ndjson.gz", last.Files[1].Name)
}
