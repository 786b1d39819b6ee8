package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/batch"
	"github.com/Sternrassler/scm-target-importer/pkg/journal"
	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	targetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_targets_total",
		Help: "Total targets by outcome",
	}, []string{"outcome"}) // "skipped", "rejected", "submitted", "submission_failed"

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_batches_total",
		Help: "Total batches by result",
	}, []string{"result"}) // "ok", "fatal"

	projectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_projects_total",
		Help: "Total project outcomes",
	}, []string{"outcome"}) // "imported", "failed"
)

const (
	// DefaultBatchSize is the number of targets per batch.
	DefaultBatchSize = 10
	// DefaultConcurrency is the number of submissions in flight per batch.
	DefaultConcurrency = 1
)

// Config holds orchestrator configuration.
type Config struct {
	BatchSize   int
	Concurrency int
	// BatchTimeout bounds the polling phase of each batch. Zero means unbounded.
	BatchTimeout time.Duration
	// SubmitTimeout bounds each submission including retries. Zero means unbounded.
	SubmitTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
	}
}

// Orchestrator runs imports batch by batch and journals every outcome.
type Orchestrator struct {
	submitter *Submitter
	poller    *Poller
	journal   journal.Journal
	config    Config
	logger    zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(submitter *Submitter, poller *Poller, j journal.Journal, cfg Config) (*Orchestrator, error) {
	if submitter == nil || poller == nil {
		return nil, fmt.Errorf("submitter and poller are required")
	}
	if j == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if cfg.BatchSize < 0 || cfg.Concurrency < 0 {
		return nil, fmt.Errorf("batch size and concurrency must be >= 0 (got %d, %d)", cfg.BatchSize, cfg.Concurrency)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Orchestrator{
		submitter: submitter,
		poller:    poller,
		journal:   j,
		config:    cfg,
		logger:    logging.NewLogger(logging.ComponentOrchestrator),
	}, nil
}

// jobRecord is written to the job stream for every accepted submission.
type jobRecord struct {
	RunID      string `json:"runId"`
	Batch      int    `json:"batch"`
	JobID      string `json:"jobId"`
	PollingURL string `json:"pollingUrl"`
	OrgID      string `json:"orgId"`
	Target     Target `json:"target"`
}

// batchRecord is written to the batch stream once a batch is settled.
type batchRecord struct {
	RunID     string       `json:"runId"`
	Batch     int          `json:"batch"`
	Targets   []Target     `json:"targets"`
	Jobs      []JobOutcome `json:"jobs"`
	Projects  int          `json:"projects"`
	Failed    int          `json:"failed"`
	Fatal     bool         `json:"fatal"`
	StartedAt time.Time    `json:"startedAt"`
	Duration  string       `json:"duration"`
}

// summaryRecord is written to the summary stream at the end of a run.
type summaryRecord struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Targets    int       `json:"targets"`
	Skipped    int       `json:"skipped"`
	Batches    int       `json:"batches"`
	Projects   int       `json:"projects"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
	Error      string    `json:"error,omitempty"`
}

// ImportFile loads the target list at path and imports it. Entries that are
// not valid targets are journaled as failed and skipped.
func (o *Orchestrator) ImportFile(ctx context.Context, path string) (*Result, error) {
	targets, rejected, err := LoadTargets(path)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, targets, rejected)
}

// ImportAll imports targets batch by batch.
//
// Targets already in the journal's index, and repeats within targets, are
// skipped without any request. Per-target failures are returned in
// Result.Failed. The returned error is a *FatalTransportError when a batch
// could not be submitted at all or the credentials were rejected; Result is
// valid in every case.
func (o *Orchestrator) ImportAll(ctx context.Context, targets []ImportTarget) (*Result, error) {
	return o.run(ctx, targets, nil)
}

func (o *Orchestrator) run(ctx context.Context, targets []ImportTarget, rejected []FailedProject) (*Result, error) {
	started := time.Now()
	res := &Result{RunID: uuid.NewString()}
	logger := o.logger.With().Str("run_id", res.RunID).Logger()

	for _, fp := range rejected {
		o.recordFailure(ctx, res, fp)
		targetsTotal.WithLabelValues("rejected").Inc()
	}

	pending, err := o.dedup(ctx, res, targets)
	if err != nil {
		return res, err
	}

	batches := batch.Split(pending, o.config.BatchSize)
	logger.Info().
		Int("targets", len(targets)).
		Int("skipped", len(res.Skipped)).
		Int("batches", len(batches)).
		Int("batch_size", o.config.BatchSize).
		Int("concurrency", o.config.Concurrency).
		Msg("Starting import")

	var runErr error
	for i, b := range batches {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("import cancelled before batch %d: %w", i+1, ctx.Err())
			break
		}
		res.Batches++
		if fatal := o.runBatch(ctx, res, i+1, b); fatal != nil {
			res.Aborted = true
			runErr = fatal
			logger.Error().
				Err(fatal).
				Int("batch", i+1).
				Int("remaining_batches", len(batches)-i-1).
				Msg("Aborting import")
			break
		}
	}

	summary := summaryRecord{
		RunID:      res.RunID,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Targets:    len(targets) + len(rejected),
		Skipped:    len(res.Skipped),
		Batches:    res.Batches,
		Projects:   len(res.Projects),
		Failed:     len(res.Failed),
		Aborted:    res.Aborted,
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	o.append(context.WithoutCancel(ctx), res, journal.KindSummary, summary)

	logger.Info().
		Int("projects", len(res.Projects)).
		Int("failed", len(res.Failed)).
		Int("skipped", len(res.Skipped)).
		Bool("aborted", res.Aborted).
		Dur("duration", time.Since(started)).
		Msg("Import finished")

	return res, runErr
}

// dedup drops targets that are already journaled or repeated in the input,
// and rejects targets that cannot be submitted.
func (o *Orchestrator) dedup(ctx context.Context, res *Result, targets []ImportTarget) ([]ImportTarget, error) {
	seen := make(map[string]struct{}, len(targets))
	pending := make([]ImportTarget, 0, len(targets))

	for _, it := range targets {
		if err := it.Validate(); err != nil {
			o.recordFailure(ctx, res, newFailure(it, "", ReasonInvalidTarget, err.Error()))
			targetsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		key := it.Target.Key()
		if _, dup := seen[key]; dup {
			res.Skipped = append(res.Skipped, it.Target)
			targetsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		seen[key] = struct{}{}

		imported, err := o.journal.Imported(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check journal for %s: %w", key, err)
		}
		if imported {
			o.logger.Debug().Str("target", key).Msg("Skipping previously imported target")
			res.Skipped = append(res.Skipped, it.Target)
			targetsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		pending = append(pending, it)
	}
	return pending, nil
}

// runBatch submits, polls and journals one batch. It returns a
// *FatalTransportError when the run must stop.
func (o *Orchestrator) runBatch(ctx context.Context, res *Result, n int, targets []ImportTarget) error {
	started := time.Now()
	logger := o.logger.With().Str("run_id", res.RunID).Int("batch", n).Logger()
	logger.Info().Int("targets", len(targets)).Msg("Submitting batch")

	// Rejected credentials stop the rest of the batch from being submitted.
	submitCtx, stopSubmitting := context.WithCancel(ctx)
	defer stopSubmitting()
	submit := func(ctx context.Context, it ImportTarget) (JobHandle, error) {
		h, err := o.submitter.Submit(ctx, it)
		var se *SubmissionError
		if errors.As(err, &se) && se.Auth() {
			stopSubmitting()
		}
		return h, err
	}

	submitted := batch.Run(submitCtx, batch.Config{
		MaxConcurrency: o.config.Concurrency,
		Timeout:        o.config.SubmitTimeout,
	}, targets, submit)

	var (
		handles   []JobHandle
		transport int
		authErr   error
		lastErr   error
	)
	for _, r := range submitted {
		var se *SubmissionError
		if errors.As(r.Err, &se) && se.Auth() {
			authErr = se
			break
		}
	}

	for i, r := range submitted {
		it := targets[i]
		if r.Err != nil {
			reason := r.Err.Error()
			if authErr != nil && ctx.Err() == nil && errors.Is(r.Err, context.Canceled) {
				reason = "not submitted: credentials were rejected earlier in this batch"
			} else {
				lastErr = r.Err
			}
			var se *SubmissionError
			if errors.As(r.Err, &se) && se.Transport() {
				transport++
			}
			logger.Warn().Err(r.Err).Str("target", it.Target.Key()).Msg("Submission failed")
			o.recordFailure(ctx, res, newFailure(it, "", ReasonSubmission, reason))
			targetsTotal.WithLabelValues("submission_failed").Inc()
			continue
		}

		handles = append(handles, r.Value)
		targetsTotal.WithLabelValues("submitted").Inc()
		o.append(ctx, res, journal.KindImportedTarget, it.Target)
		o.append(ctx, res, journal.KindJob, jobRecord{
			RunID:      res.RunID,
			Batch:      n,
			JobID:      r.Value.JobID,
			PollingURL: r.Value.PollingURL,
			OrgID:      it.OrgID,
			Target:     it.Target,
		})
	}

	var fatal error
	switch {
	case authErr != nil:
		fatal = &FatalTransportError{Batch: n, Failed: len(targets) - len(handles), Err: authErr}
	case len(targets) > 0 && transport == len(targets):
		fatal = &FatalTransportError{Batch: n, Failed: transport, Err: lastErr}
	}

	pollCtx := ctx
	if o.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, o.config.BatchTimeout)
		defer cancel()
	}
	polled := o.poller.PollUntilComplete(pollCtx, handles)

	for _, p := range polled.Projects {
		res.Projects = append(res.Projects, p)
		projectsTotal.WithLabelValues("imported").Inc()
		o.append(ctx, res, journal.KindImportedProject, p)
	}
	for _, fp := range polled.Failed {
		o.recordFailure(ctx, res, fp)
	}

	targetList := make([]Target, len(targets))
	for i, it := range targets {
		targetList[i] = it.Target
	}
	o.append(ctx, res, journal.KindBatch, batchRecord{
		RunID:     res.RunID,
		Batch:     n,
		Targets:   targetList,
		Jobs:      polled.Jobs,
		Projects:  len(polled.Projects),
		Failed:    len(polled.Failed) + len(targets) - len(handles),
		Fatal:     fatal != nil,
		StartedAt: started,
		Duration:  time.Since(started).String(),
	})

	result := "ok"
	if fatal != nil {
		result = "fatal"
	}
	batchesTotal.WithLabelValues(result).Inc()

	logger.Info().
		Int("jobs", len(handles)).
		Int("projects", len(polled.Projects)).
		Int("failed", len(polled.Failed)+len(targets)-len(handles)).
		Dur("duration", time.Since(started)).
		Msg("Batch settled")

	return fatal
}

func (o *Orchestrator) recordFailure(ctx context.Context, res *Result, fp FailedProject) {
	res.Failed = append(res.Failed, fp)
	projectsTotal.WithLabelValues("failed").Inc()
	o.append(ctx, res, journal.KindFailedProject, fp)
}

// append journals record. Failures are logged and counted, never dropped
// silently.
func (o *Orchestrator) append(ctx context.Context, res *Result, kind journal.Kind, record any) {
	if err := o.journal.Append(context.WithoutCancel(ctx), kind, record); err != nil {
		res.JournalErrors++
		o.logger.Error().
			Err(err).
			Str("run_id", res.RunID).
			Str("kind", string(kind)).
			Interface("record", record).
			Msg("Failed to journal record")
	}
}
