package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrNoEligibleFiles indicates the source directory exists but holds no
// resource files to work with.
var ErrNoEligibleFiles = errors.New("no eligible .ndjson files found")

// DiscoveryError wraps any failure to enumerate the source directory.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover resource files in %s: %v", e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ResourceFile describes one newline-delimited resource file. Identity is the
// path; entries are never mutated after discovery.
type ResourceFile struct {
	Name           string `json:"name"`
	Path           string `json:"path"`
	ResourceType   string `json:"resourceType"`
	Compressed     bool   `json:"compressed"`
	SizeBytes      int64  `json:"sizeBytes"`
	RecordEstimate int64  `json:"recordEstimate"`
}

// Manifest is the discovered file set, ordered lexically by filename so that
// repeated runs produce identical plans.
type Manifest []ResourceFile

// Rough sizing heuristics used only for scheduling order and display. MIMIC
// resources serialize to several hundred bytes each and gzip at roughly 6:1.
const (
	bytesPerRecord = 600
	gzipExpansion  = 6
	suffixNDJSON   = ".ndjson"
	suffixNDJSONGz = ".ndjson.gz"
)

// Discover enumerates dir and returns the manifest of eligible resource
// files. Eligible files end in .ndjson or .ndjson.gz and are not hidden.
func Discover(dir string) (Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DiscoveryError{Dir: dir, Err: err}
	}

	var files Manifest
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		compressed := strings.HasSuffix(name, suffixNDJSONGz)
		if !compressed && !strings.HasSuffix(name, suffixNDJSON) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, &DiscoveryError{Dir: dir, Err: err}
		}

		size := info.Size()
		files = append(files, ResourceFile{
			Name:           name,
			Path:           filepath.Join(dir, name),
			ResourceType:   InferResourceType(name),
			Compressed:     compressed,
			SizeBytes:      size,
			RecordEstimate: estimateRecords(size, compressed),
		})
	}

	if len(files) == 0 {
		return nil, &DiscoveryError{Dir: dir, Err: ErrNoEligibleFiles}
	}

	slices.SortFunc(files, func(a, b ResourceFile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}

// Select narrows the manifest to the named files, preserving manifest order.
// Names not present in the manifest are returned separately so callers can
// warn about them.
func (m Manifest) Select(names []string) (Manifest, []string) {
	if len(names) == 0 {
		return m, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	var selected Manifest
	for _, file := range m {
		if wanted[file.Name] {
			selected = append(selected, file)
			delete(wanted, file.Name)
		}
	}

	missing := maps.Keys(wanted)
	slices.Sort(missing)
	return selected, missing
}

// Types returns the distinct resource types present, sorted.
func (m Manifest) Types() []string {
	set := make(map[string]bool)
	for _, file := range m {
		set[file.ResourceType] = true
	}
	types := maps.Keys(set)
	slices.Sort(types)
	return types
}

// ByType groups the manifest per resource type, keeping file order.
func (m Manifest) ByType() map[string]Manifest {
	grouped := make(map[string]Manifest)
	for _, file := range m {
		grouped[file.ResourceType] = append(grouped[file.ResourceType], file)
	}
	return grouped
}

// TotalBytes sums the on-disk size of all files in the manifest.
func (m Manifest) TotalBytes() int64 {
	var total int64
	for _, file := range m {
		total += file.SizeBytes
	}
	return total
}

func estimateRecords(size int64, compressed bool) int64 {
	if compressed {
		size *= gzipExpansion
	}
	estimate := size / bytesPerRecord
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// mimicPrefixes maps MIMIC-on-FHIR export filename prefixes to resource
// types. Longest prefix wins, so MimicMedicationRequest is not swallowed by
// MimicMedication.
var mimicPrefixes = map[string]string{
	"MimicPatient":                  "Patient",
	"MimicCondition":                "Condition",
	"MimicEncounter":                "Encounter",
	"MimicLocation":                 "Location",
	"MimicOrganization":             "Organization",
	"MimicMedication":               "Medication",
	"MimicMedicationAdministration": "MedicationAdministration",
	"MimicMedicationDispense":       "MedicationDispense",
	"MimicMedicationRequest":        "MedicationRequest",
	"MimicMedicationStatement":      "MedicationStatement",
	"MimicObservation":              "Observation",
	"MimicProcedure":                "Procedure",
	"MimicSpecimen":                 "Specimen",
}

// InferResourceType derives the resource type from a filename. Known MIMIC
// prefixes are tried first (longest match), then an exact resource-type
// filename, then substring fallbacks. Anything left is treated as a custom
// resource named after the file so the planner can place it conservatively.
func InferResourceType(filename string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(filename, ".gz"), suffixNDJSON)

	match := ""
	for prefix := range mimicPrefixes {
		if strings.HasPrefix(base, prefix) && len(prefix) > len(match) {
			match = prefix
		}
	}
	if match != "" {
		return mimicPrefixes[match]
	}

	if isBareResourceName(base) {
		return base
	}

	switch {
	case strings.Contains(base, "MedicationAdministration"):
		return "MedicationAdministration"
	case strings.Contains(base, "MedicationDispense"):
		return "MedicationDispense"
	case strings.Contains(base, "MedicationRequest"):
		return "MedicationRequest"
	case strings.Contains(base, "MedicationStatement"):
		return "MedicationStatement"
	case strings.Contains(base, "Medication"):
		return "Medication"
	case strings.Contains(base, "Patient"):
		return "Patient"
	case strings.Contains(base, "Condition"):
		return "Condition"
	case strings.Contains(base, "Encounter"):
		return "Encounter"
	case strings.Contains(base, "Observation"):
		return "Observation"
	case strings.Contains(base, "Procedure"):
		return "Procedure"
	case strings.Contains(base, "Specimen"):
		return "Specimen"
	case strings.Contains(base, "Location"):
		return "Location"
	case strings.Contains(base, "Organization"):
		return "Organization"
	}

	return base
}

func isBareResourceName(base string) bool {
	if base == "" {
		return false
	}
	for _, r := range base {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return base[0] >= 'A' && base[0] <= 'Z'
}
