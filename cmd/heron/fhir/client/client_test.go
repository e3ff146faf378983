package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanteonNL/heron/models/fhir"
	"github.com/SanteonNL/heron/util"
)

// newTestClient swaps in a plain HTTP client so tests observe raw status
// codes instead of the transport's own retry behavior.
func newTestClient(baseURI string) *FHIRApiClient {
	c := NewFHIRApiClient(baseURI, zerolog.Nop())
	c.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	return c
}

func TestSubmitImport(t *testing.T) {
	var gotPrefer, gotContentType string
	var gotParams fhir.Parameters

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/fhir/$import", r.URL.Path)
		gotPrefer = r.Header.Get("Prefer")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotParams))

		w.Header().Set("Content-Location", "http://example.org/fhir/$import-poll-status/job-77")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	params := fhir.NewParameters().
		Add(fhir.ParametersParameter{Name: "inputFormat", ValueCode: util.StringPtr("application/fhir+ndjson")})

	c := newTestClient(server.URL + "/fhir")
	jobID, err := c.SubmitImport(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "job-77", jobID)
	assert.Equal(t, "respond-async", gotPrefer)
	assert.Equal(t, "application/fhir+json", gotContentType)
	assert.Equal(t, "Parameters", gotParams.ResourceType)
	require.Len(t, gotParams.Parameter, 1)
	assert.Equal(t, "inputFormat", gotParams.Parameter[0].Name)
}

func TestSubmitImportRejected(t *testing.T) {
	outcome := fhir.OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []fhir.OperationOutcomeIssue{{
			Severity:    "error",
			Code:        "processing",
			Diagnostics: util.StringPtr("HAPI-0389: Invalid input URL"),
		}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(outcome)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.SubmitImport(context.Background(), fhir.NewParameters())
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, http.StatusUnprocessableEntity, permErr.StatusCode)
	assert.Contains(t, permErr.Outcome, "HAPI-0389")
}

func TestSubmitImportServerOverloaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.SubmitImport(context.Background(), fhir.NewParameters())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSubmitImportMissingContentLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.SubmitImport(context.Background(), fhir.NewParameters())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Content-Location")
}

func TestPollImportInProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/$import-poll-status/job-12", r.URL.Path)
		w.Header().Set("Retry-After", "120")
		w.Header().Set("X-Progress", "Processing batch 3 of 9")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	status, err := c.PollImport(context.Background(), "job-12")
	require.NoError(t, err)

	assert.False(t, status.Done)
	assert.Equal(t, 120*time.Second, status.RetryAfter)
	assert.Equal(t, "Processing batch 3 of 9", status.Progress)
	assert.Nil(t, status.Result)
}

func TestPollImportDone(t *testing.T) {
	const body = `{
		"transactionTime": "2024-05-01T12:00:00Z",
		"output": [
			{"type": "Patient", "count": 100, "inputUrl": "http://files/MimicPatient.ndjson"},
			{"type": "Patient", "count": 20, "inputUrl": "http://files/MimicPatientED.ndjson"}
		],
		"error": []
	}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Write([]byte(body))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	status, err := c.PollImport(context.Background(), "job-12")
	require.NoError(t, err)

	assert.True(t, status.Done)
	require.NotNil(t, status.Result)
	require.NotNil(t, status.Result.TransactionTime)
	assert.Equal(t, "2024-05-01T12:00:00Z", status.Result.TransactionTime.String())
	assert.Equal(t, 120, status.Result.TotalCount())
	assert.Empty(t, status.Result.Error)
}

func TestPollImportUnknownJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unknown instance ID", http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.PollImport(context.Background(), "gone")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Unknown instance ID")
}

func TestCountResources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Patient", r.URL.Path)
		require.Equal(t, "count", r.URL.Query().Get("_summary"))
		json.NewEncoder(w).Encode(fhir.Bundle{
			ResourceType: "Bundle",
			Type:         "searchset",
			Total:        util.IntPtr(1234),
		})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	total, err := c.CountResources(context.Background(), "Patient")
	require.NoError(t, err)
	assert.Equal(t, 1234, total)
}

func TestCountResourcesNoTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fhir.Bundle{ResourceType: "Bundle", Type: "searchset"})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.CountResources(context.Background(), "Observation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no total")
}

func TestSearchPatientIDs(t *testing.T) {
	var server *httptest.Server

	condition := func(ref string) json.RawMessage {
		raw, _ := json.Marshal(map[string]any{
			"resourceType": "Condition",
			"subject":      map[string]string{"reference": ref},
		})
		return raw
	}

	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Condition":
			require.Equal(t, "E11.9", r.URL.Query().Get("code"))
			require.Equal(t, "subject", r.URL.Query().Get("_elements"))
			json.NewEncoder(w).Encode(fhir.Bundle{
				ResourceType: "Bundle",
				Type:         "searchset",
				Entry: []fhir.BundleEntry{
					{Resource: condition("Patient/alpha")},
					{Resource: condition("Patient/beta")},
					{Resource: condition("Patient/alpha")},
					{Resource: condition("Group/g1")},
					{Resource: json.RawMessage(`{"resourceType":"Condition"}`)},
				},
				Link: []fhir.BundleLink{
					{Relation: "self", Url: server.URL + "/Condition"},
					{Relation: "next", Url: server.URL + "/page2"},
				},
			})
		case "/page2":
			json.NewEncoder(w).Encode(fhir.Bundle{
				ResourceType: "Bundle",
				Type:         "searchset",
				Entry: []fhir.BundleEntry{
					{Resource: condition(server.URL + "/Patient/gamma")},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	ids, err := c.SearchPatientIDs(context.Background(), "E11.9")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, ids)
}

func TestHealthy(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metadata", r.URL.Path)
		if !healthy {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"resourceType":"CapabilityStatement"}`)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	require.NoError(t, c.Healthy(context.Background()))

	healthy = false
	err := c.Healthy(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestJobIDFromLocation(t *testing.T) {
	cases := []struct {
		location string
		want     string
		wantErr  bool
	}{
		{"http://h/fhir/$import-poll-status/abc-123", "abc-123", false},
		{"http://h/fhir/$import-poll-status/abc-123/", "abc-123", false},
		{"http://h/fhir/$import-poll-status?_jobId=xyz", "xyz", false},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := jobIDFromLocation(tc.location)
		if tc.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	delay := parseRetryAfter(future)
	assert.Greater(t, delay, 80*time.Second)
	assert.LessOrEqual(t, delay, 90*time.Second)
}
