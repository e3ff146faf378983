package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/SanteonNL/heron/cmd/heron/fhir/client"
	"github.com/SanteonNL/heron/cmd/heron/manifest"
	"github.com/SanteonNL/heron/cmd/heron/plan"
	"github.com/SanteonNL/heron/models/fhir"
	"github.com/SanteonNL/heron/util"
)

// ImportClient is the slice of the FHIR client the executor needs.
type ImportClient interface {
	SubmitImport(ctx context.Context, params *fhir.Parameters) (string, error)
	PollImport(ctx context.Context, jobID string) (*client.PollStatus, error)
}

// Options tune one import session. Zero values fall back to defaults;
// JobTimeout and SessionTimeout stay disabled unless set.
type Options struct {
	FHIRBaseURL     string
	FileServerURL   string
	Concurrency     int
	ContinueOnError bool
	JobTimeout      time.Duration
	SessionTimeout  time.Duration
	SubmitRetries   int
	SubmitBackoff   time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPollErrors   int
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 3
	}
	if o.SubmitRetries < 1 {
		o.SubmitRetries = 3
	}
	if o.SubmitBackoff <= 0 {
		o.SubmitBackoff = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = 30 * time.Second
	}
	if o.MaxPollErrors < 1 {
		o.MaxPollErrors = 5
	}
	return o
}

// Executor drives an import plan against the FHIR server, level by level.
// Jobs inside a level run concurrently; a level only starts once the
// previous one fully finished.
type Executor struct {
	client ImportClient
	opts   Options
	log    zerolog.Logger
}

func NewExecutor(importClient ImportClient, opts Options, log zerolog.Logger) *Executor {
	return &Executor{
		client: importClient,
		opts:   opts.withDefaults(),
		log:    log,
	}
}

// Run executes the plan and returns the finished session. Job failures are
// recorded on the jobs themselves; the returned error covers configuration
// problems only.
func (e *Executor) Run(ctx context.Context, p plan.Plan) (*Session, error) {
	if e.opts.FileServerURL == "" {
		return nil, fmt.Errorf("no file server URL configured")
	}

	session := NewSession(p)
	session.FHIRBase = e.opts.FHIRBaseURL
	session.FileServer = e.opts.FileServerURL

	if e.opts.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.SessionTimeout)
		defer cancel()
	}

	e.log.Info().
		Str("session", session.ID).
		Int("levels", session.Levels).
		Int("jobs", len(session.Jobs)).
		Msg("Starting import session")

	var abort atomic.Bool
	for levelIdx := range p.Levels {
		if abort.Load() || ctx.Err() != nil {
			break
		}
		jobs := session.JobsForLevel(levelIdx)
		e.log.Info().
			Int("level", levelIdx).
			Strs("types", p.Levels[levelIdx].Types).
			Int("jobs", len(jobs)).
			Msg("Starting import level")
		e.runLevel(ctx, jobs, &abort)
	}

	if ctx.Err() != nil {
		reason := "session cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "session deadline exceeded"
		}
		for _, job := range session.Jobs {
			if !job.State.Terminal() {
				job.timeout(reason)
			}
		}
	}

	session.Aborted = abort.Load()
	session.FinishedAt = time.Now()

	counts := session.CountByState()
	e.log.Info().
		Str("session", session.ID).
		Int("succeeded", counts[StateSucceeded]).
		Int("failed", counts[StateFailed]).
		Int("timedOut", counts[StateTimedOut]).
		Int("pending", counts[StatePending]).
		Dur("elapsed", session.Elapsed()).
		Msg("Import session finished")
	return session, nil
}

// runLevel submits the level's jobs through a bounded worker group. When a
// job fails and continue-on-error is off, the abort flag keeps queued jobs
// from ever being submitted; in-flight jobs run to completion.
func (e *Executor) runLevel(ctx context.Context, jobs []*Job, abort *atomic.Bool) {
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if abort.Load() || ctx.Err() != nil {
				return nil
			}
			e.runJob(ctx, job)
			failed := job.State == StateFailed
			// A job that hit its own deadline counts as a failure for
			// fail-fast; jobs cut short by the session context do not.
			if job.State == StateTimedOut && ctx.Err() == nil {
				failed = true
			}
			if failed && !e.opts.ContinueOnError {
				abort.Store(true)
			}
			return nil
		})
	}
	g.Wait()
}

func (e *Executor) runJob(parent context.Context, job *Job) {
	ctx := parent
	if e.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.opts.JobTimeout)
		defer cancel()
	}

	params := e.importParameters(job.File)
	job.SubmittedAt = time.Now()

	backoff := e.opts.SubmitBackoff
	var lastErr error

	for attempt := 1; attempt <= e.opts.SubmitRetries; attempt++ {
		job.Attempts = attempt

		serverJobID, err := e.client.SubmitImport(ctx, params)
		if err == nil {
			job.ServerJobID = serverJobID
			job.transition(StateSubmitted)
			e.log.Info().
				Str("file", job.File.Name).
				Str("jobId", serverJobID).
				Int("attempt", attempt).
				Msg("Import job submitted")
			e.pollJob(ctx, job)
			return
		}

		if ctx.Err() != nil {
			e.finishOnContext(ctx, job, "submission")
			return
		}
		if !client.IsTransient(err) {
			job.fail(err.Error())
			e.log.Error().Err(err).Str("file", job.File.Name).Msg("Import job rejected")
			return
		}

		lastErr = err
		e.log.Warn().
			Err(err).
			Str("file", job.File.Name).
			Int("attempt", attempt).
			Msg("Submission failed, will retry")

		if attempt < e.opts.SubmitRetries {
			if !e.sleep(ctx, backoff) {
				e.finishOnContext(ctx, job, "submission")
				return
			}
			backoff *= 2
		}
	}

	job.fail(fmt.Sprintf("submission failed after %d attempts: %v", e.opts.SubmitRetries, lastErr))
	e.log.Error().Str("file", job.File.Name).Int("attempts", e.opts.SubmitRetries).Msg("Submission retry budget exhausted")
}

func (e *Executor) pollJob(ctx context.Context, job *Job) {
	interval := e.opts.PollInterval
	consecutiveErrs := 0

	for {
		status, err := e.client.PollImport(ctx, job.ServerJobID)
		switch {
		case err == nil && status.Done:
			result := status.Result
			job.succeed(result.TotalCount(), len(result.Error))
			event := e.log.Info()
			if job.ErrorCount > 0 {
				event = e.log.Warn()
			}
			event.
				Str("file", job.File.Name).
				Str("jobId", job.ServerJobID).
				Int("resources", job.Resources).
				Int("errors", job.ErrorCount).
				Msg("Import job finished")
			return

		case err == nil:
			job.transition(StatePolling)
			if status.Progress != "" {
				job.Progress = status.Progress
			}
			consecutiveErrs = 0

		default:
			if ctx.Err() != nil {
				e.finishOnContext(ctx, job, "polling")
				return
			}
			if !client.IsTransient(err) {
				job.fail(err.Error())
				e.log.Error().Err(err).Str("file", job.File.Name).Str("jobId", job.ServerJobID).Msg("Import job failed")
				return
			}
			consecutiveErrs++
			e.log.Warn().
				Err(err).
				Str("file", job.File.Name).
				Int("consecutiveErrors", consecutiveErrs).
				Msg("Poll attempt failed")
			if consecutiveErrs >= e.opts.MaxPollErrors {
				job.fail(fmt.Sprintf("%d consecutive poll failures: %v", consecutiveErrs, err))
				return
			}
		}

		wait := interval
		if status != nil && status.RetryAfter > wait {
			wait = status.RetryAfter
		}
		if !e.sleep(ctx, wait) {
			e.finishOnContext(ctx, job, "polling")
			return
		}
		if interval < e.opts.MaxPollInterval {
			interval *= 2
			if interval > e.opts.MaxPollInterval {
				interval = e.opts.MaxPollInterval
			}
		}
	}
}

// finishOnContext settles a job cut short by its context. Deadlines and
// explicit cancellation both leave the job timedOut; only the message
// tells them apart.
func (e *Executor) finishOnContext(ctx context.Context, job *Job, phase string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		job.timeout("deadline exceeded during " + phase)
		return
	}
	job.timeout("cancelled during " + phase)
}

// sleep waits for d or until the context ends, reporting whether the full
// wait elapsed.
func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// importParameters builds the kickoff Parameters resource pointing the
// server at one file on the file server.
func (e *Executor) importParameters(file manifest.ResourceFile) *fhir.Parameters {
	base := strings.TrimSuffix(e.opts.FileServerURL, "/")
	fileURL := base + "/" + file.Name

	return fhir.NewParameters().
		Add(fhir.ParametersParameter{Name: "inputFormat", ValueCode: util.StringPtr("application/fhir+ndjson")}).
		Add(fhir.ParametersParameter{Name: "inputSource", ValueUri: util.StringPtr(base)}).
		Add(fhir.ParametersParameter{
			Name: "storageDetail",
			Part: []fhir.ParametersParameter{
				{Name: "type", ValueCode: util.StringPtr("https")},
			},
		}).
		Add(fhir.ParametersParameter{
			Name: "input",
			Part: []fhir.ParametersParameter{
				{Name: "type", ValueCode: util.StringPtr(file.ResourceType)},
				{Name: "url", ValueUri: util.StringPtr(fileURL)},
			},
		})
}
