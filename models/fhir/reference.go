package fhir

import "strings"

// Reference represents a FHIR Reference
type Reference struct {
	Reference *string `json:"reference,omitempty"`
	Type      *string `json:"type,omitempty"`
	Display   *string `json:"display,omitempty"`
}

// PatientID extracts the patient ID when the reference points at a Patient
// resource, accepting both relative (Patient/123) and absolute forms.
func (r *Reference) PatientID() (string, bool) {
	if r == nil || r.Reference == nil {
		return "", false
	}

	parts := strings.Split(strings.TrimSuffix(*r.Reference, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "Patient" {
		return "", false
	}
	id := parts[len(parts)-1]
	return id, id != ""
}

// CodeableConcept represents a FHIR CodeableConcept
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   *string  `json:"text,omitempty"`
}

// Coding represents a FHIR Coding
type Coding struct {
	System  *string `json:"system,omitempty"`
	Code    *string `json:"code,omitempty"`
	Display *string `json:"display,omitempty"`
}
