package importer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/scm-target-importer/internal/testutil"
	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/journal"
)

func TestNewOrchestrator_Validation(t *testing.T) {
	exec := newTestExecutor(t)
	sub := NewSubmitter(exec, "http://localhost", nil)
	poller := NewPoller(exec, 0)
	j, err := journal.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer j.Close()

	if _, err := NewOrchestrator(nil, poller, j, DefaultConfig()); err == nil {
		t.Error("expected error for nil submitter")
	}
	if _, err := NewOrchestrator(sub, poller, nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil journal")
	}
	if _, err := NewOrchestrator(sub, poller, j, Config{BatchSize: -1}); err == nil {
		t.Error("expected error for negative batch size")
	}

	o, err := NewOrchestrator(sub, poller, j, Config{})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	if o.config.BatchSize != DefaultBatchSize || o.config.Concurrency != DefaultConcurrency {
		t.Errorf("defaults not applied: %+v", o.config)
	}
}

func TestImportAll_SkipsJournaledTarget(t *testing.T) {
	st := newTestStack(t, DefaultConfig())
	ctx := context.Background()
	targets := makeTargets(3)

	if err := st.journal.Append(ctx, journal.KindImportedTarget, targets[1].Target); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	res, err := st.orchestrator.ImportAll(ctx, targets)
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}

	if got := st.mock.ImportedTargets(); len(got) != 2 || got[0] != "repo-1" || got[1] != "repo-3" {
		t.Errorf("imported targets = %v, want [repo-1 repo-3]", got)
	}
	if st.mock.PollCount != 2 {
		t.Errorf("polls = %d, want 2", st.mock.PollCount)
	}
	if len(res.Projects) != 2 || len(res.Failed) != 0 {
		t.Errorf("projects = %d, failed = %d, want 2, 0", len(res.Projects), len(res.Failed))
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != targets[1].Target {
		t.Errorf("skipped = %v", res.Skipped)
	}
	for _, p := range res.Projects {
		if p.Target == targets[1].Target {
			t.Error("skipped target appears in projects")
		}
	}
}

func TestImportAll_AllJournaledIssuesNoRequests(t *testing.T) {
	st := newTestStack(t, DefaultConfig())
	ctx := context.Background()
	targets := makeTargets(4)

	for _, it := range targets {
		if err := st.journal.Append(ctx, journal.KindImportedTarget, it.Target); err != nil {
			t.Fatalf("seed journal: %v", err)
		}
	}

	res, err := st.orchestrator.ImportAll(ctx, targets)
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}
	if st.mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", st.mock.GetRequestCount())
	}
	if len(res.Projects)+len(res.Failed) != 0 || len(res.Skipped) != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestImportAll_IsolatedSubmissionError(t *testing.T) {
	st := newTestStack(t, DefaultConfig())
	st.mock.SetFailures(func(name string) testutil.Failure {
		if name == "repo-2" {
			return testutil.FailBadRequest
		}
		return testutil.FailNone
	})
	targets := makeTargets(3)

	res, err := st.orchestrator.ImportAll(context.Background(), targets)
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}

	if len(res.Failed) != 1 {
		t.Fatalf("failed = %+v, want exactly one", res.Failed)
	}
	if res.Failed[0].Target.Name != "repo-2" || res.Failed[0].Reason != ReasonSubmission {
		t.Errorf("failed = %+v", res.Failed[0])
	}
	names := []string{}
	for _, p := range res.Projects {
		names = append(names, p.Target.Name)
	}
	if strings.Join(names, ",") != "repo-1,repo-3" {
		t.Errorf("projects for %v, want repo-1,repo-3", names)
	}
	if res.Aborted {
		t.Error("run should not be aborted")
	}
	checkPartition(t, targets, res.Projects, res.Failed)

	imported, _ := st.journal.Imported(context.Background(), targets[1].Target.Key())
	if imported {
		t.Error("failed target must not be in the imported index")
	}
}

func TestImportAll_UnreachableInSecondBatch(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 2, Concurrency: 2})
	st.mock.SetFailures(func(name string) testutil.Failure {
		if name == "repo-3" || name == "repo-4" {
			return testutil.FailDrop
		}
		return testutil.FailNone
	})
	targets := makeTargets(6)
	ctx := context.Background()

	res, err := st.orchestrator.ImportAll(ctx, targets)

	var fatal *FatalTransportError
	if !errors.As(err, &fatal) {
		t.Fatalf("error = %v, want *FatalTransportError", err)
	}
	if fatal.Batch != 2 || fatal.Failed != 2 {
		t.Errorf("fatal = %+v", fatal)
	}
	if !errors.Is(err, client.ErrRetryExhausted) {
		t.Errorf("fatal error should wrap the transport failure, got %v", err)
	}

	if !res.Aborted || res.Batches != 2 {
		t.Errorf("Aborted = %v, Batches = %d", res.Aborted, res.Batches)
	}
	if len(res.Projects) != 2 {
		t.Errorf("projects = %d, want 2 from batch 1", len(res.Projects))
	}
	if len(res.Failed) != 2 {
		t.Errorf("failed = %d, want 2 from batch 2", len(res.Failed))
	}
	for _, name := range []string{"repo-5", "repo-6"} {
		if n := st.mock.Attempts(name); n != 0 {
			t.Errorf("%s attempted %d times, want 0", name, n)
		}
	}

	for _, it := range targets[:2] {
		if ok, _ := st.journal.Imported(ctx, it.Target.Key()); !ok {
			t.Errorf("%s missing from journal index", it.Target.Key())
		}
	}
	projects, _ := st.journal.Records(ctx, journal.KindImportedProject)
	if len(projects) != 2 {
		t.Errorf("journaled projects = %d, want 2", len(projects))
	}
	failed, _ := st.journal.Records(ctx, journal.KindFailedProject)
	if len(failed) != 2 || !strings.Contains(failed[0], "repo-3") {
		t.Errorf("journaled failures = %v", failed)
	}

	summaries, _ := st.journal.Records(ctx, journal.KindSummary)
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	var summary summaryRecord
	if err := json.Unmarshal([]byte(summaries[0]), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !summary.Aborted || summary.Error == "" || summary.RunID != res.RunID {
		t.Errorf("summary = %+v", summary)
	}
}

func TestImportAll_PartialTransportFailureIsNotFatal(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 3})
	st.mock.SetFailures(func(name string) testutil.Failure {
		if name == "repo-2" {
			return testutil.FailServerError
		}
		return testutil.FailNone
	})

	res, err := st.orchestrator.ImportAll(context.Background(), makeTargets(3))
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}
	if len(res.Projects) != 2 || len(res.Failed) != 1 {
		t.Errorf("projects = %d, failed = %d", len(res.Projects), len(res.Failed))
	}
}

func TestImportAll_AuthFailureIsFatal(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 2})
	st.mock.SetFailures(func(name string) testutil.Failure {
		if name == "repo-2" {
			return testutil.FailUnauthorized
		}
		return testutil.FailNone
	})

	res, err := st.orchestrator.ImportAll(context.Background(), makeTargets(4))

	var fatal *FatalTransportError
	if !errors.As(err, &fatal) || !errors.Is(err, client.ErrAuth) {
		t.Fatalf("error = %v, want fatal auth error", err)
	}
	if st.mock.Attempts("repo-2") != 1 {
		t.Errorf("401 retried: %d attempts", st.mock.Attempts("repo-2"))
	}
	if st.mock.Attempts("repo-3") != 0 {
		t.Error("batch 2 should never be attempted")
	}
	if len(res.Projects) != 1 || res.Projects[0].Target.Name != "repo-1" {
		t.Errorf("in-flight job of the aborted batch should still be polled, projects = %+v", res.Projects)
	}
}

func TestImportAll_AuthFailureStopsBatch(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 4, Concurrency: 1})
	st.mock.SetFailures(func(name string) testutil.Failure {
		if name == "repo-1" {
			return testutil.FailUnauthorized
		}
		return testutil.FailNone
	})
	targets := makeTargets(4)
	ctx := context.Background()

	res, err := st.orchestrator.ImportAll(ctx, targets)

	var fatal *FatalTransportError
	if !errors.As(err, &fatal) || !errors.Is(err, client.ErrAuth) {
		t.Fatalf("error = %v, want fatal auth error", err)
	}
	if fatal.Batch != 1 || fatal.Failed != 4 {
		t.Errorf("fatal = %+v, want batch 1 with 4 failed", fatal)
	}
	for _, name := range []string{"repo-2", "repo-3", "repo-4"} {
		if n := st.mock.Attempts(name); n != 0 {
			t.Errorf("%s attempted %d times after 401, want 0", name, n)
		}
	}
	if len(st.mock.ImportedTargets()) != 0 || len(res.Projects) != 0 {
		t.Errorf("projects = %+v, want none", res.Projects)
	}

	if len(res.Failed) != 4 {
		t.Fatalf("failed = %d, want 4", len(res.Failed))
	}
	for _, fp := range res.Failed {
		if fp.Reason != ReasonSubmission {
			t.Errorf("%s reason = %q, want %q", fp.Target.Name, fp.Reason, ReasonSubmission)
		}
	}
	for _, fp := range res.Failed[1:] {
		if !strings.Contains(fp.UserMessage, "credentials were rejected") {
			t.Errorf("%s message = %q", fp.Target.Name, fp.UserMessage)
		}
	}
	checkPartition(t, targets, res.Projects, res.Failed)

	for _, it := range targets {
		if ok, _ := st.journal.Imported(ctx, it.Target.Key()); ok {
			t.Errorf("%s must not be in the imported index", it.Target.Key())
		}
	}
}

func TestImportAll_SubmitTimeout(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 2, SubmitTimeout: time.Nanosecond})

	res, err := st.orchestrator.ImportAll(context.Background(), makeTargets(2))
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}
	if len(res.Failed) != 2 || len(res.Projects) != 0 {
		t.Fatalf("projects = %d, failed = %d, want every submission to time out", len(res.Projects), len(res.Failed))
	}
	for _, fp := range res.Failed {
		if fp.Reason != ReasonSubmission {
			t.Errorf("%s reason = %q", fp.Target.Name, fp.Reason)
		}
	}
}

func TestImportAll_Idempotent(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 2})
	ctx := context.Background()
	targets := makeTargets(3)

	first, err := st.orchestrator.ImportAll(ctx, targets)
	if err != nil {
		t.Fatalf("first ImportAll() error = %v", err)
	}
	if len(first.Projects) != 3 {
		t.Fatalf("first run projects = %d, want 3", len(first.Projects))
	}

	before := st.mock.GetRequestCount()
	second, err := st.orchestrator.ImportAll(ctx, targets)
	if err != nil {
		t.Fatalf("second ImportAll() error = %v", err)
	}
	if after := st.mock.GetRequestCount(); after != before {
		t.Errorf("second run issued %d requests, want 0", after-before)
	}
	if len(second.Skipped) != 3 || len(second.Projects) != 0 || len(second.Failed) != 0 {
		t.Errorf("second run = %+v", second)
	}
	if first.RunID == second.RunID {
		t.Error("runs should have distinct ids")
	}
}

func TestImportAll_RejectsInvalidAndDuplicateTargets(t *testing.T) {
	st := newTestStack(t, DefaultConfig())
	targets := makeTargets(2)
	targets = append(targets, targets[0])
	targets = append(targets, ImportTarget{OrgID: testOrg, IntegrationType: "github", Target: Target{Name: "no-owner"}})

	res, err := st.orchestrator.ImportAll(context.Background(), targets)
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}

	if got := st.mock.ImportedTargets(); len(got) != 2 {
		t.Errorf("imports = %v, want 2", got)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Name != "repo-1" {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if len(res.Failed) != 1 || res.Failed[0].Reason != ReasonInvalidTarget {
		t.Errorf("failed = %+v", res.Failed)
	}
}

func TestImportAll_BatchesAndConcurrency(t *testing.T) {
	st := newTestStack(t, Config{BatchSize: 10, Concurrency: 3})
	targets := makeTargets(25)
	for i := range targets {
		targets[i].Files = append(targets[i].Files, FileToImport{Path: "Dockerfile"})
	}

	res, err := st.orchestrator.ImportAll(context.Background(), targets)
	if err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}
	if res.Batches != 3 {
		t.Errorf("batches = %d, want 3", res.Batches)
	}
	if len(res.Projects) != 50 {
		t.Errorf("projects = %d, want 50", len(res.Projects))
	}
	checkPartition(t, targets, res.Projects, res.Failed)

	batches, _ := st.journal.Records(context.Background(), journal.KindBatch)
	if len(batches) != 3 {
		t.Errorf("journaled batches = %d, want 3", len(batches))
	}
	jobs, _ := st.journal.Records(context.Background(), journal.KindJob)
	if len(jobs) != 25 {
		t.Errorf("journaled jobs = %d, want 25", len(jobs))
	}
}

func TestImportAll_CancelledContext(t *testing.T) {
	st := newTestStack(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := st.orchestrator.ImportAll(ctx, makeTargets(2))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if st.mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", st.mock.GetRequestCount())
	}
	if res == nil || res.Batches != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestImportFile(t *testing.T) {
	st := newTestStack(t, DefaultConfig())
	path := filepath.Join(t.TempDir(), "targets.json")
	data := `{"targets": [
		{"orgId": "org-1", "integrationType": "github", "target": {"name": "repo-1", "owner": "acme", "branch": "main"}, "files": [{"path": "package.json"}]},
		{"orgId": "org-1", "integrationType": "github", "target": {"owner": "acme"}},
		{"orgId": "org-1", "integrationType": "github", "target": "ruby-with-versions"}
	]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write targets: %v", err)
	}

	res, err := st.orchestrator.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	if len(res.Projects) != 1 {
		t.Errorf("projects = %d, want 1", len(res.Projects))
	}
	if len(res.Failed) != 2 {
		t.Fatalf("failed = %+v, want 2 rejected entries", res.Failed)
	}
	failed, _ := st.journal.Records(context.Background(), journal.KindFailedProject)
	if len(failed) != 2 || !strings.Contains(strings.Join(failed, "\n"), "ruby-with-versions") {
		t.Errorf("journaled failures = %v", failed)
	}

	if _, err := st.orchestrator.ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ImportFile() should fail for a missing file")
	} else {
		var ie *InputError
		if !errors.As(err, &ie) {
			t.Errorf("error = %v, want *InputError", err)
		}
	}
}
