package importer

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/scm-target-importer/internal/testutil"
	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/journal"
	"github.com/Sternrassler/scm-target-importer/pkg/ratelimit"
	"github.com/rs/zerolog"
)

const testOrg = "org-1"

// newMockService starts a mock with a github integration for testOrg.
func newMockService(t *testing.T) *testutil.MockService {
	t.Helper()
	mock := testutil.NewMockService()
	mock.SetIntegrations(testOrg, map[string]string{"github": "int-gh", "gitlab": "int-gl"})
	t.Cleanup(mock.Close)
	return mock
}

// newTestExecutor returns a client with a fast gate and millisecond back-off.
func newTestExecutor(t *testing.T) *client.Client {
	t.Helper()

	gate := ratelimit.NewGate(ratelimit.Config{MaxInFlight: 4, RedispatchDelay: time.Millisecond}, zerolog.Nop())
	cfg := client.DefaultConfig("test-token")
	cfg.RateLimitSleep = time.Millisecond
	cfg.Timeout = 5 * time.Second

	c, err := client.New(cfg, gate)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

type testStack struct {
	mock         *testutil.MockService
	exec         *client.Client
	journal      *journal.FileJournal
	orchestrator *Orchestrator
}

func newTestStack(t *testing.T, cfg Config) *testStack {
	t.Helper()

	mock := newMockService(t)
	exec := newTestExecutor(t)

	j, err := journal.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	dir := NewDirectory(exec, mock.URL(), nil)
	o, err := NewOrchestrator(NewSubmitter(exec, mock.URL(), dir), NewPoller(exec, time.Millisecond), j, cfg)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	return &testStack{mock: mock, exec: exec, journal: j, orchestrator: o}
}

// makeTargets builds n github targets named repo-1..repo-n with one manifest each.
func makeTargets(n int) []ImportTarget {
	targets := make([]ImportTarget, n)
	for i := range targets {
		targets[i] = ImportTarget{
			OrgID:           testOrg,
			IntegrationType: "github",
			Target:          Target{Name: fmt.Sprintf("repo-%d", i+1), Owner: "acme", Branch: "main"},
			Files:           []FileToImport{{Path: "package.json"}},
		}
	}
	return targets
}

// checkPartition asserts that projects and failures are disjoint by
// (target, file) and cover every submitted file of the given targets.
func checkPartition(t *testing.T, targets []ImportTarget, projects []Project, failed []FailedProject) {
	t.Helper()

	seen := make(map[string]string)
	for _, p := range projects {
		key := p.Target.Key() + "|" + p.TargetFile
		if prev, dup := seen[key]; dup {
			t.Errorf("%s recorded twice (%s, project)", key, prev)
		}
		seen[key] = "project"
	}
	for _, f := range failed {
		key := f.Target.Key() + "|" + f.TargetFile
		if prev, dup := seen[key]; dup {
			t.Errorf("%s recorded twice (%s, failed)", key, prev)
		}
		seen[key] = "failed"
	}

	for _, it := range targets {
		for _, f := range it.Files {
			if _, ok := seen[it.Target.Key()+"|"+f.Path]; !ok {
				t.Errorf("%s file %s not covered", it.Target.Key(), f.Path)
			}
		}
		if len(it.Files) > 0 {
			continue
		}
		found := false
		for key := range seen {
			if strings.HasPrefix(key, it.Target.Key()+"|") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("%s has no outcome", it.Target.Key())
		}
	}
}

func clientGet(url string) client.Request {
	return client.Request{Method: http.MethodGet, URL: url}
}
