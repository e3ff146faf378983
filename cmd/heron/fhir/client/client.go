package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/SanteonNL/heron/models/fhir"
)

const (
	fhirJSONType = "application/fhir+json"

	importEndpoint     = "/$import"
	pollStatusEndpoint = "/$import-poll-status"
)

// FHIRApiClient talks to a HAPI FHIR server. The underlying HTTP client
// retries connection blips on its own; anything beyond that surfaces as a
// TransientError or PermanentError for the caller to act on.
type FHIRApiClient struct {
	BaseURI    string
	HTTPClient *http.Client
	log        zerolog.Logger
}

func NewFHIRApiClient(baseURI string, log zerolog.Logger) *FHIRApiClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.Logger = retryLogger{log: log}
	retryClient.HTTPClient = &http.Client{
		Timeout: 60 * time.Second,
	}

	return &FHIRApiClient{
		BaseURI:    strings.TrimSuffix(baseURI, "/"),
		HTTPClient: retryClient.StandardClient(),
		log:        log,
	}
}

// retryLogger adapts zerolog to retryablehttp's LeveledLogger so transport
// retries land in the same stream as the rest of the client's output. The
// transport's info-level chatter is demoted to debug.
type retryLogger struct {
	log zerolog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.event(l.log.Error(), msg, keysAndValues)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.event(l.log.Warn(), msg, keysAndValues)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.event(l.log.Debug(), msg, keysAndValues)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.event(l.log.Debug(), msg, keysAndValues)
}

func (l retryLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

// PollStatus is the state of an import job as reported by one poll round.
type PollStatus struct {
	Done       bool
	RetryAfter time.Duration
	Progress   string
	Result     *fhir.BulkImportResult
}

// SubmitImport kicks off an asynchronous bulk import and returns the job
// identifier from the Content-Location header.
func (c *FHIRApiClient) SubmitImport(ctx context.Context, params *fhir.Parameters) (string, error) {
	const op = "submit import"

	req, err := c.prepareRequest(ctx, http.MethodPost, importEndpoint, params)
	if err != nil {
		return "", err
	}
	req.Header.Set("Prefer", "respond-async")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", classifyResponse(op, resp)
	}

	location := resp.Header.Get("Content-Location")
	jobID, err := jobIDFromLocation(location)
	if err != nil {
		return "", &PermanentError{Op: op, StatusCode: resp.StatusCode, Outcome: err.Error()}
	}

	c.log.Debug().Str("jobId", jobID).Str("contentLocation", location).Msg("Import job accepted")
	return jobID, nil
}

// PollImport fetches the current state of an import job. A 202 means the job
// is still running and carries the server's suggested retry delay; a 200
// carries the final result.
func (c *FHIRApiClient) PollImport(ctx context.Context, jobID string) (*PollStatus, error) {
	const op = "poll import"

	endpoint := pollStatusEndpoint + "/" + url.PathEscape(jobID)
	req, err := c.prepareRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result fhir.BulkImportResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode import result for job %s: %w", jobID, err)
		}
		return &PollStatus{Done: true, Result: &result}, nil
	case http.StatusAccepted:
		status := &PollStatus{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Progress:   resp.Header.Get("X-Progress"),
		}
		io.Copy(io.Discard, resp.Body)
		return status, nil
	default:
		return nil, classifyResponse(op, resp)
	}
}

// CountResources returns the server-side total for a resource type using a
// count-only search.
func (c *FHIRApiClient) CountResources(ctx context.Context, resourceType string) (int, error) {
	op := "count " + resourceType

	endpoint := "/" + resourceType + "?_summary=count"
	req, err := c.prepareRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	var bundle fhir.Bundle
	if err := c.sendRequest(op, req, &bundle); err != nil {
		return 0, err
	}
	if bundle.Total == nil {
		return 0, fmt.Errorf("%s: server returned no total", op)
	}
	return *bundle.Total, nil
}

// SearchPatientIDs returns the distinct patient IDs that have a Condition
// with the given code, following search paging until exhausted. Order of
// first appearance is preserved.
func (c *FHIRApiClient) SearchPatientIDs(ctx context.Context, conditionCode string) ([]string, error) {
	const op = "search patients by condition"

	endpoint := "/Condition?code=" + url.QueryEscape(conditionCode) + "&_elements=subject&_count=500"
	next, err := url.JoinPath(c.BaseURI, endpoint)
	if err != nil {
		return nil, err
	}
	next, err = url.QueryUnescape(next)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	pages := 0

	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", fhirJSONType)

		var bundle fhir.Bundle
		if err := c.sendRequest(op, req, &bundle); err != nil {
			return nil, err
		}
		pages++

		for _, entry := range bundle.Entry {
			var condition struct {
				Subject *fhir.Reference `json:"subject"`
			}
			if err := json.Unmarshal(entry.Resource, &condition); err != nil {
				continue
			}
			id, ok := condition.Subject.PatientID()
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		next = bundle.NextLink()
	}

	c.log.Debug().Str("code", conditionCode).Int("pages", pages).Int("patients", len(ids)).Msg("Condition search finished")
	return ids, nil
}

// Healthy probes the server's CapabilityStatement endpoint.
func (c *FHIRApiClient) Healthy(ctx context.Context) error {
	const op = "health check"

	req, err := c.prepareRequest(ctx, http.MethodGet, "/metadata", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(op, resp)
	}
	return nil
}

func (c *FHIRApiClient) prepareRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	uri, err := url.JoinPath(c.BaseURI, endpoint)
	if err != nil {
		return nil, err
	}
	uri, err = url.QueryUnescape(uri)
	if err != nil {
		return nil, err
	}

	var bodyReader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", fhirJSONType)
	req.Header.Set("Accept", fhirJSONType)
	return req, nil
}

func (c *FHIRApiClient) sendRequest(op string, req *http.Request, response any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(op, resp)
	}

	if response != nil {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
			return fmt.Errorf("%s: failed to parse response JSON: %w", op, err)
		}
	}
	return nil
}

// classifyResponse turns a non-2xx response into the matching error kind,
// preserving any OperationOutcome text the server sent along.
func classifyResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if transientStatus(resp.StatusCode) {
		return &TransientError{Op: op, StatusCode: resp.StatusCode}
	}
	return &PermanentError{Op: op, StatusCode: resp.StatusCode, Outcome: outcomeText(body)}
}

func outcomeText(body []byte) string {
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(body, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" {
		if summary := outcome.Summary(); summary != "" {
			return summary
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300] + "..."
	}
	return text
}

func jobIDFromLocation(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("response carried no Content-Location header")
	}

	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Content-Location %q: %w", location, err)
	}
	if id := parsed.Query().Get("_jobId"); id != "" {
		return id, nil
	}

	id := path.Base(strings.TrimSuffix(parsed.Path, "/"))
	if id == "" || id == "." || id == "/" {
		return "", fmt.Errorf("could not extract job ID from Content-Location %q", location)
	}
	return id, nil
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}
	return 0
}
