package fhir

// Parameters represents a FHIR Parameters resource
type Parameters struct {
	ResourceType string                `json:"resourceType"`
	Parameter    []ParametersParameter `json:"parameter,omitempty"`
}

// ParametersParameter represents a single parameter, possibly nested via Part
type ParametersParameter struct {
	Name        string                `json:"name"`
	ValueCode   *string               `json:"valueCode,omitempty"`
	ValueUri    *string               `json:"valueUri,omitempty"`
	ValueString *string               `json:"valueString,omitempty"`
	Part        []ParametersParameter `json:"part,omitempty"`
}

// NewParameters creates an empty Parameters resource
func NewParameters() *Parameters {
	return &Parameters{ResourceType: "Parameters"}
}

// Add appends a parameter and returns the resource for chaining
func (p *Parameters) Add(param ParametersParameter) *Parameters {
	p.Parameter = append(p.Parameter, param)
	return p
}
