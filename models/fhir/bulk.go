package fhir

// BulkImportResult is the body a completed bulk import job reports on the
// poll-status endpoint.
type BulkImportResult struct {
	TransactionTime *DateTime         `json:"transactionTime,omitempty"`
	Request         string            `json:"request,omitempty"`
	Output          []BulkImportEntry `json:"output"`
	Error           []BulkImportEntry `json:"error"`
}

// BulkImportEntry reports the outcome for one input file.
type BulkImportEntry struct {
	Type     string `json:"type"`
	Count    int    `json:"count,omitempty"`
	InputURL string `json:"inputUrl,omitempty"`
	URL      string `json:"url,omitempty"`
}

// TotalCount sums the per-file counts in the output section.
func (r *BulkImportResult) TotalCount() int {
	total := 0
	for _, entry := range r.Output {
		total += entry.Count
	}
	return total
}
