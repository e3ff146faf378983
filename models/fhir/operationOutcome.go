package fhir

import "strings"

// OperationOutcome represents a FHIR OperationOutcome
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue,omitempty"`
}

// OperationOutcomeIssue represents a single issue within an OperationOutcome
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity,omitempty"`
	Code        string           `json:"code,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics *string          `json:"diagnostics,omitempty"`
}

// Summary flattens the outcome's issues into a single human-readable line,
// preferring details.text over diagnostics per issue.
func (o *OperationOutcome) Summary() string {
	var parts []string
	for _, issue := range o.Issue {
		text := ""
		if issue.Details != nil && issue.Details.Text != nil {
			text = *issue.Details.Text
		} else if issue.Diagnostics != nil {
			text = *issue.Diagnostics
		}
		if text == "" {
			text = issue.Code
		}
		if text == "" {
			continue
		}
		if issue.Severity != "" {
			text = issue.Severity + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "; ")
}
