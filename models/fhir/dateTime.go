package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateTime represents a FHIR dateTime or instant. Partial dates (year or
// year-month precision) are accepted on input and reproduced on output.
type DateTime struct {
	time.Time
	layout string
}

// Layouts accepted for a full FHIR dateTime, most specific first.
var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"2006-01",
	"2006",
}

// NewDateTime creates a DateTime with full instant precision.
func NewDateTime(t time.Time) DateTime {
	return DateTime{Time: t, layout: dateTimeLayouts[0]}
}

// String renders the value in the same precision it was parsed with.
func (d DateTime) String() string {
	if d.Time.IsZero() {
		return ""
	}
	layout := d.layout
	if layout == "" {
		layout = dateTimeLayouts[0]
	}
	return d.Time.Format(layout)
}

// MarshalJSON implements the json.Marshaler interface.
func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *DateTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*d = DateTime{}
		return nil
	}

	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			d.layout = layout
			return nil
		}
	}

	return fmt.Errorf("invalid dateTime %q", s)
}
