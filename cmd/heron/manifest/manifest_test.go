package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "MimicPatient.ndjson", `{"resourceType":"Patient"}`+"\n")
	writeFile(t, dir, "MimicEncounter.ndjson.gz", "not-really-gzip")
	writeFile(t, dir, "Organization.ndjson", `{"resourceType":"Organization"}`+"\n")
	writeFile(t, dir, "README.txt", "ignore me")
	writeFile(t, dir, ".MimicPatient.ndjson", "hidden")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0755))

	m, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, m, 3)

	assert.Equal(t, "MimicEncounter.ndjson.gz", m[0].Name)
	assert.Equal(t, "MimicPatient.ndjson", m[1].Name)
	assert.Equal(t, "Organization.ndjson", m[2].Name)

	assert.Equal(t, "Encounter", m[0].ResourceType)
	assert.True(t, m[0].Compressed)
	assert.Equal(t, "Patient", m[1].ResourceType)
	assert.False(t, m[1].Compressed)
	assert.Equal(t, "Organization", m[2].ResourceType)

	for _, file := range m {
		assert.Equal(t, filepath.Join(dir, file.Name), file.Path)
		assert.Greater(t, file.SizeBytes, int64(0))
		assert.GreaterOrEqual(t, file.RecordEstimate, int64(1))
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)

	var discErr *DiscoveryError
	require.ErrorAs(t, err, &discErr)
	assert.Contains(t, discErr.Dir, "does-not-exist")
}

func TestDiscoverNoEligibleFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "nothing to import")

	_, err := Discover(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleFiles)
}

func TestInferResourceType(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"MimicPatient.ndjson", "Patient"},
		{"MimicPatientED.ndjson", "Patient"},
		{"MimicMedication.ndjson", "Medication"},
		{"MimicMedicationRequest.ndjson", "MedicationRequest"},
		{"MimicMedicationAdministration.ndjson.gz", "MedicationAdministration"},
		{"MimicMedicationDispenseED.ndjson", "MedicationDispense"},
		{"MimicObservationChartevents.ndjson.gz", "Observation"},
		{"MimicObservationLabevents.ndjson", "Observation"},
		{"MimicConditionED.ndjson", "Condition"},
		{"MimicSpecimenLab.ndjson", "Specimen"},
		{"Patient.ndjson", "Patient"},
		{"Encounter.ndjson.gz", "Encounter"},
		{"CarePlan.ndjson", "CarePlan"},
		{"hospital_Observation_2180.ndjson", "Observation"},
		{"custom_export.ndjson", "custom_export"},
	}
	for _, tc := range cases {
		t.Run(tc.filename, func(t *testing.T) {
			assert.Equal(t, tc.want, InferResourceType(tc.filename))
		})
	}
}

func TestSelect(t *testing.T) {
	m := Manifest{
		{Name: "a.ndjson", ResourceType: "Patient"},
		{Name: "b.ndjson", ResourceType: "Encounter"},
		{Name: "c.ndjson", ResourceType: "Observation"},
	}

	selected, missing := m.Select([]string{"c.ndjson", "a.ndjson", "z.ndjson", "y.ndjson"})
	require.Len(t, selected, 2)
	assert.Equal(t, "a.ndjson", selected[0].Name)
	assert.Equal(t, "c.ndjson", selected[1].Name)
	assert.Equal(t, []string{"y.ndjson", "z.ndjson"}, missing)

	all, missing := m.Select(nil)
	assert.Len(t, all, 3)
	assert.Empty(t, missing)
}

func TestTypesAndGrouping(t *testing.T) {
	m := Manifest{
		{Name: "a.ndjson", ResourceType: "Observation", SizeBytes: 100},
		{Name: "b.ndjson", ResourceType: "Patient", SizeBytes: 50},
		{Name: "c.ndjson", ResourceType: "Observation", SizeBytes: 25},
	}

	assert.Equal(t, []string{"Observation", "Patient"}, m.Types())
	assert.Equal(t, int64(175), m.TotalBytes())

	grouped := m.ByType()
	require.Len(t, grouped["Observation"], 2)
	assert.Equal(t, "a.ndjson", grouped["Observation"][0].Name)
	assert.Equal(t, "c.ndjson", grouped["Observation"][1].Name)
	require.Len(t, grouped["Patient"], 1)
}
