package fhir

import "encoding/json"

// Bundle represents a FHIR Bundle as returned by search and count queries
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink represents a Bundle.link element
type BundleLink struct {
	Relation string `json:"relation"`
	Url      string `json:"url"`
}

// BundleEntry represents a Bundle.entry element; the resource payload is kept
// raw so callers decode only the fragment they need
type BundleEntry struct {
	FullUrl  *string         `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NextLink returns the URL of the next page, or "" when this is the last page
func (b *Bundle) NextLink() string {
	for _, link := range b.Link {
		if link.Relation == "next" {
			return link.Url
		}
	}
	return ""
}
