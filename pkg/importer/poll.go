package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_jobs_total",
		Help: "Total import jobs by final status",
	}, []string{"status"})

	pollRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "importer_poll_requests_total",
		Help: "Total job status requests",
	})
)

// DefaultPollInterval is the delay between polling rounds.
const DefaultPollInterval = 5 * time.Second

// Poller drives import jobs to a terminal state.
type Poller struct {
	exec     Executor
	interval time.Duration
	logger   zerolog.Logger
}

// NewPoller creates a poller that waits interval between rounds.
func NewPoller(exec Executor, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		exec:     exec,
		interval: interval,
		logger:   logging.NewLogger(logging.ComponentPoller),
	}
}

type pollState struct {
	handle JobHandle
	status JobStatus
	logs   []TargetLog
	err    error
}

// PollUntilComplete polls every handle until it is complete or failed. Each
// round queries all unsettled handles, then waits the poll interval. When ctx
// ends the remaining handles are reported as timed out.
func (p *Poller) PollUntilComplete(ctx context.Context, handles []JobHandle) PollResult {
	states := make([]*pollState, len(handles))
	pending := make([]*pollState, 0, len(handles))
	for i, h := range handles {
		states[i] = &pollState{handle: h, status: JobPending}
		pending = append(pending, states[i])
	}

	round := 0
	for len(pending) > 0 && ctx.Err() == nil {
		round++
		next := pending[:0]
		for _, st := range pending {
			if ctx.Err() != nil {
				next = append(next, st)
				continue
			}
			p.poll(ctx, st)
			if !st.status.Terminal() {
				next = append(next, st)
			}
		}
		pending = next

		p.logger.Debug().
			Int("round", round).
			Int("pending", len(pending)).
			Int("jobs", len(handles)).
			Msg("Polling round finished")

		if len(pending) == 0 {
			break
		}
		if err := sleepContext(ctx, p.interval); err != nil {
			break
		}
	}

	for _, st := range pending {
		st.status = JobTimedOut
		st.err = ctx.Err()
		p.logger.Warn().
			Str("job_id", st.handle.JobID).
			Str("target", st.handle.Import.Target.Key()).
			Msg("Stopped polling before the job finished")
	}

	var res PollResult
	for _, st := range states {
		jobsTotal.WithLabelValues(string(st.status)).Inc()
		aggregate(&res, st)
	}
	return res
}

// poll performs one status request for st and updates it in place.
func (p *Poller) poll(ctx context.Context, st *pollState) {
	pollRequestsTotal.Inc()
	url := st.handle.PollingURL

	resp, err := p.exec.Execute(ctx, client.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		st.status = JobFailed
		st.err = fmt.Errorf("poll %s: %w", url, err)
		p.logger.Warn().Err(err).Str("job_id", st.handle.JobID).Msg("Job status request failed")
		return
	}

	job, merr := decodeJobStatus(url, resp)
	if merr != nil {
		st.status = JobFailed
		st.err = merr
		p.logger.Warn().Err(merr).Str("job_id", st.handle.JobID).Msg("Malformed job status")
		return
	}

	st.status = job.Status
	st.logs = job.Logs
	if st.status.Terminal() {
		p.logger.Info().
			Str("job_id", st.handle.JobID).
			Str("target", st.handle.Import.Target.Key()).
			Str("status", string(st.status)).
			Msg("Import job finished")
	}
}

func decodeJobStatus(url string, resp *client.Response) (*jobStatusResponse, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, &MalformedResponseError{PollingURL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var job jobStatusResponse
	if err := json.Unmarshal(resp.Body, &job); err != nil {
		return nil, &MalformedResponseError{PollingURL: url, StatusCode: resp.StatusCode, Reason: "invalid JSON", Err: err}
	}
	if job.Status == "" {
		return nil, &MalformedResponseError{PollingURL: url, StatusCode: resp.StatusCode, Reason: "missing status"}
	}
	if !job.Status.Known() {
		return nil, &MalformedResponseError{PollingURL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unknown status %q", job.Status)}
	}
	return &job, nil
}

// aggregate adds the outcome of st to res. Every submitted file ends up in
// exactly one of Projects and Failed.
func aggregate(res *PollResult, st *pollState) {
	it := st.handle.Import
	outcome := JobOutcome{Handle: st.handle, Status: st.status, Logs: st.logs}
	if st.err != nil {
		outcome.Error = st.err.Error()
	}
	res.Jobs = append(res.Jobs, outcome)

	switch st.status {
	case JobTimedOut:
		res.Failed = append(res.Failed, failAll(it, ReasonTimedOut, "job did not finish before polling stopped")...)
		return
	case JobFailed:
		if st.err != nil {
			reason := ReasonJobFailed
			var merr *MalformedResponseError
			if errors.As(st.err, &merr) {
				reason = ReasonMalformed
			}
			res.Failed = append(res.Failed, failAll(it, reason, st.err.Error())...)
			return
		}
	}

	reported := make(map[string]struct{})
	for _, log := range st.logs {
		for _, pr := range log.Projects {
			if _, dup := reported[pr.TargetFile]; dup {
				continue
			}
			reported[pr.TargetFile] = struct{}{}

			if pr.Success {
				res.Projects = append(res.Projects, Project{OrgID: it.OrgID, Target: it.Target, ProjectResult: pr})
				continue
			}
			fp := newFailure(it, pr.TargetFile, ReasonProject, pr.UserMessage)
			fp.ProjectURL = pr.ProjectURL
			res.Failed = append(res.Failed, fp)
		}
	}

	if len(reported) == 0 && st.status == JobFailed {
		res.Failed = append(res.Failed, failAll(it, ReasonJobFailed, "import job failed")...)
		return
	}

	for _, f := range it.Files {
		if _, ok := reported[f.Path]; !ok {
			res.Failed = append(res.Failed, newFailure(it, f.Path, ReasonNotReported, "file not reported by import job"))
		}
	}
}

// failAll fails every submitted file, or the whole target when none were given.
func failAll(it ImportTarget, reason FailureReason, msg string) []FailedProject {
	if len(it.Files) == 0 {
		return []FailedProject{newFailure(it, "", reason, msg)}
	}
	out := make([]FailedProject, 0, len(it.Files))
	for _, f := range it.Files {
		out = append(out, newFailure(it, f.Path, reason, msg))
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
