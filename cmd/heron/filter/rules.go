package filter

// RuleKind says how a resource type relates to the patient cohort.
type RuleKind int

const (
	// Unfiltered resources are shared infrastructure and copy through
	// unchanged.
	Unfiltered RuleKind = iota
	// Direct resources are Patient records themselves; their own ID decides
	// membership.
	Direct
	// Reference resources link to a patient through one of the listed
	// fields.
	Reference
)

func (k RuleKind) String() string {
	switch k {
	case Unfiltered:
		return "copy"
	case Direct:
		return "direct"
	default:
		return "reference"
	}
}

// Rule describes the cohort linkage for one resource type.
type Rule struct {
	Kind   RuleKind
	Fields []string
}

var subjectOrPatient = []string{"subject", "patient"}

// rules maps resource types to their linkage. Types absent from this table
// fall back to reference filtering so patient-linked data never slips
// through unfiltered.
var rules = map[string]Rule{
	"Patient":      {Kind: Direct},
	"Organization": {Kind: Unfiltered},
	"Location":     {Kind: Unfiltered},
	"Medication":   {Kind: Unfiltered},

	"Encounter":                {Kind: Reference, Fields: subjectOrPatient},
	"Condition":                {Kind: Reference, Fields: subjectOrPatient},
	"Observation":              {Kind: Reference, Fields: subjectOrPatient},
	"Procedure":                {Kind: Reference, Fields: subjectOrPatient},
	"Specimen":                 {Kind: Reference, Fields: subjectOrPatient},
	"MedicationRequest":        {Kind: Reference, Fields: subjectOrPatient},
	"MedicationAdministration": {Kind: Reference, Fields: subjectOrPatient},
	"MedicationDispense":       {Kind: Reference, Fields: subjectOrPatient},
	"MedicationStatement":      {Kind: Reference, Fields: subjectOrPatient},
}

// RuleFor returns the linkage rule for a resource type, defaulting unknown
// types to reference filtering.
func RuleFor(resourceType string) Rule {
	if rule, ok := rules[resourceType]; ok {
		return rule
	}
	return Rule{Kind: Reference, Fields: subjectOrPatient}
}
