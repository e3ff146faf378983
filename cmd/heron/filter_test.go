package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterFlagSurface(t *testing.T) {
	names := []string{
		"input-dir", "output-dir", "files", "patient-list", "patients",
		"condition-code", "patient-sql", "workers", "report",
	}
	for _, name := range names {
		assert.NotNil(t, filterCmd.Flags().Lookup(name), name)
	}
}

func TestResolvePatientSQL(t *testing.T) {
	query, err := resolvePatientSQL("SELECT subject_id FROM cohort")
	require.NoError(t, err)
	assert.Equal(t, "SELECT subject_id FROM cohort", query)

	path := filepath.Join(t.TempDir(), "cohort.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT id FROM diabetics\n"), 0644))
	query, err = resolvePatientSQL(path)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM diabetics", query)

	empty := filepath.Join(t.TempDir(), "empty.sql")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0644))
	_, err = resolvePatientSQL(empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	query, err = resolvePatientSQL("")
	require.NoError(t, err)
	assert.Empty(t, query)
}
