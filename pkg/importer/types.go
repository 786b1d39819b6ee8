// Package importer submits source-control targets to the remote import API,
// polls the resulting jobs and journals every outcome.
package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sternrassler/scm-target-importer/pkg/client"
)

// Executor performs a single API call. *client.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req client.Request) (*client.Response, error)
}

// Target is a repository branch to import.
type Target struct {
	Name   string `json:"name"`
	Owner  string `json:"owner"`
	Branch string `json:"branch,omitempty"`
}

// Key is the identity of t in the imported-target index.
func (t Target) Key() string {
	return t.Name + ":" + t.Owner + ":" + t.Branch
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Key()
}

// FileToImport is a manifest path inside the target.
type FileToImport struct {
	Path string `json:"path"`
}

// ImportTarget is one entry of the import list.
type ImportTarget struct {
	OrgID           string         `json:"orgId"`
	IntegrationID   string         `json:"integrationId,omitempty"`
	IntegrationType string         `json:"integrationType,omitempty"`
	Target          Target         `json:"target"`
	Files           []FileToImport `json:"files,omitempty"`
	ExclusionGlobs  string         `json:"exclusionGlobs,omitempty"`
}

// Validate checks the fields every submission needs.
func (it ImportTarget) Validate() error {
	var missing []string
	if strings.TrimSpace(it.OrgID) == "" {
		missing = append(missing, "orgId")
	}
	if strings.TrimSpace(it.IntegrationID) == "" && strings.TrimSpace(it.IntegrationType) == "" {
		missing = append(missing, "integrationId or integrationType")
	}
	if strings.TrimSpace(it.Target.Name) == "" {
		missing = append(missing, "target.name")
	}
	if strings.TrimSpace(it.Target.Owner) == "" {
		missing = append(missing, "target.owner")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// JobHandle references an accepted import job.
type JobHandle struct {
	JobID      string       `json:"jobId"`
	PollingURL string       `json:"pollingUrl"`
	Import     ImportTarget `json:"import"`
}

// JobStatus is the state of an import job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	// JobTimedOut is set locally when polling stops before the job settled.
	JobTimedOut JobStatus = "timed_out"
)

// Known reports whether s is a status the remote service sends.
func (s JobStatus) Known() bool {
	switch s {
	case JobPending, JobProcessing, JobComplete, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether s is final.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobTimedOut
}

// ProjectResult is a project entry of a job log.
type ProjectResult struct {
	TargetFile  string `json:"targetFile"`
	Success     bool   `json:"success"`
	ProjectURL  string `json:"projectUrl"`
	UserMessage string `json:"userMessage,omitempty"`
}

// TargetLog is one log entry of a job.
type TargetLog struct {
	Name     string          `json:"name"`
	Created  string          `json:"created"`
	Status   string          `json:"status"`
	Projects []ProjectResult `json:"projects"`
}

// jobStatusResponse is the polling payload.
type jobStatusResponse struct {
	ID      string      `json:"id"`
	Status  JobStatus   `json:"status"`
	Created string      `json:"created"`
	Logs    []TargetLog `json:"logs"`
}

// Project is a successfully imported project.
type Project struct {
	OrgID  string `json:"orgId"`
	Target Target `json:"target"`
	ProjectResult
}

// FailureReason says where a failure was detected.
type FailureReason string

const (
	ReasonInvalidTarget FailureReason = "invalid_target"
	ReasonSubmission    FailureReason = "submission"
	ReasonProject       FailureReason = "project_failed"
	ReasonJobFailed     FailureReason = "job_failed"
	ReasonNotReported   FailureReason = "not_reported"
	ReasonMalformed     FailureReason = "malformed_response"
	ReasonTimedOut      FailureReason = "timed_out"
)

// FailedProject records a manifest, or a whole target when no manifest is
// known, that was not imported.
type FailedProject struct {
	OrgID       string        `json:"orgId,omitempty"`
	Target      Target        `json:"target"`
	TargetFile  string        `json:"targetFile"`
	Success     bool          `json:"success"`
	ProjectURL  string        `json:"projectUrl"`
	UserMessage string        `json:"userMessage"`
	Reason      FailureReason `json:"reason"`
}

func newFailure(it ImportTarget, file string, reason FailureReason, msg string) FailedProject {
	return FailedProject{
		OrgID:       it.OrgID,
		Target:      it.Target,
		TargetFile:  file,
		UserMessage: msg,
		Reason:      reason,
	}
}

// PollResult aggregates the outcome of a set of jobs.
type PollResult struct {
	Projects []Project
	Failed   []FailedProject
	Jobs     []JobOutcome
}

// JobOutcome is the final state of one polled job.
type JobOutcome struct {
	Handle JobHandle   `json:"handle"`
	Status JobStatus   `json:"status"`
	Logs   []TargetLog `json:"logs,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Projects []Project
	Failed   []FailedProject
	Skipped  []Target
	// Batches is the number of batches started.
	Batches int
	// Aborted is set when a fatal failure stopped the run early.
	Aborted bool
	// JournalErrors counts records that could not be journaled.
	JournalErrors int
}
