package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/Sternrassler/scm-target-importer/pkg/manifests"
	"github.com/gobwas/glob"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "importer_submissions_total",
	Help: "Total import submissions by result",
}, []string{"result"})

// DefaultExclusionGlobs are always excluded from an import.
var DefaultExclusionGlobs = []string{"fixtures", "tests", "__tests__", "node_modules"}

// MergeExclusionGlobs joins the caller's comma separated globs with
// DefaultExclusionGlobs. Entries are trimmed and deduplicated; entries that
// do not compile are returned in dropped.
func MergeExclusionGlobs(custom string) (merged string, dropped []string) {
	seen := make(map[string]struct{})
	var globs []string

	add := func(g string) {
		g = strings.TrimSpace(g)
		if g == "" {
			return
		}
		if _, ok := seen[g]; ok {
			return
		}
		if _, err := glob.Compile(g); err != nil {
			dropped = append(dropped, g)
			return
		}
		seen[g] = struct{}{}
		globs = append(globs, g)
	}

	for _, g := range strings.Split(custom, ",") {
		add(g)
	}
	for _, g := range DefaultExclusionGlobs {
		add(g)
	}
	return strings.Join(globs, ","), dropped
}

// importRequest is the body of the import call.
type importRequest struct {
	Target         Target         `json:"target"`
	Files          []FileToImport `json:"files"`
	ExclusionGlobs string         `json:"exclusionGlobs"`
}

// Submitter starts import jobs.
type Submitter struct {
	exec   Executor
	apiURL string
	dir    *Directory
	logger zerolog.Logger
}

// NewSubmitter creates a submitter. When dir is nil every target must carry
// an integration id.
func NewSubmitter(exec Executor, apiURL string, dir *Directory) *Submitter {
	return &Submitter{
		exec:   exec,
		apiURL: strings.TrimRight(apiURL, "/"),
		dir:    dir,
		logger: logging.NewLogger(logging.ComponentSubmitter),
	}
}

// Submit starts the import of it and returns the handle of the created job.
// Every failure is a *SubmissionError.
func (s *Submitter) Submit(ctx context.Context, it ImportTarget) (JobHandle, error) {
	handle, err := s.submit(ctx, it)
	if err != nil {
		submissionsTotal.WithLabelValues("failed").Inc()
		return JobHandle{}, err
	}
	submissionsTotal.WithLabelValues("accepted").Inc()
	return handle, nil
}

func (s *Submitter) submit(ctx context.Context, it ImportTarget) (JobHandle, error) {
	logger := s.logger.With().
		Str("org_id", it.OrgID).
		Str("target", it.Target.Key()).
		Logger()

	if err := it.Validate(); err != nil {
		return JobHandle{}, &SubmissionError{Target: it.Target, Class: client.ErrorClassClient, Err: err}
	}

	integrationID := it.IntegrationID
	if integrationID == "" {
		if s.dir == nil {
			return JobHandle{}, &SubmissionError{Target: it.Target, Class: client.ErrorClassClient, Err: errors.New("no integration id and no directory to resolve it")}
		}
		id, err := s.dir.Resolve(ctx, it.OrgID, it.IntegrationType)
		if err != nil {
			var le *lookupError
			if errors.As(err, &le) {
				return JobHandle{}, newSubmissionError(it.Target, le.resp, err)
			}
			return JobHandle{}, &SubmissionError{Target: it.Target, Class: client.ErrorClassClient, Err: err}
		}
		integrationID = id
	}

	globs, dropped := MergeExclusionGlobs(it.ExclusionGlobs)
	if len(dropped) > 0 {
		logger.Warn().Strs("globs", dropped).Msg("Dropping invalid exclusion globs")
	}

	files := it.Files
	if files == nil {
		files = []FileToImport{}
	}
	for _, f := range files {
		if !manifests.Matches(f.Path) {
			logger.Warn().Str("file", f.Path).Msg("File does not look like a supported manifest")
		}
	}

	body, err := json.Marshal(importRequest{Target: it.Target, Files: files, ExclusionGlobs: globs})
	if err != nil {
		return JobHandle{}, &SubmissionError{Target: it.Target, Class: client.ErrorClassClient, Err: fmt.Errorf("encode import request: %w", err)}
	}

	reqURL := s.apiURL + "/org/" + url.PathEscape(it.OrgID) + "/integrations/" + url.PathEscape(integrationID) + "/import"
	resp, err := s.exec.Execute(ctx, client.Request{
		Method: http.MethodPost,
		URL:    reqURL,
		Body:   body,
	})
	if err != nil {
		return JobHandle{}, newSubmissionError(it.Target, resp, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return JobHandle{}, newSubmissionError(it.Target, resp, nil)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return JobHandle{}, &SubmissionError{
			Target:     it.Target,
			StatusCode: resp.StatusCode,
			Err:        errors.New("import accepted without a polling location"),
		}
	}
	pollingURL, err := resolveLocation(reqURL, location)
	if err != nil {
		return JobHandle{}, &SubmissionError{Target: it.Target, StatusCode: resp.StatusCode, Err: err}
	}

	it.IntegrationID = integrationID
	handle := JobHandle{
		JobID:      path.Base(strings.TrimRight(urlPath(pollingURL), "/")),
		PollingURL: pollingURL,
		Import:     it,
	}

	logger.Info().
		Str("job_id", handle.JobID).
		Int("files", len(files)).
		Msg("Import job accepted")

	return handle, nil
}

func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse polling location %q: %w", location, err)
	}
	return b.ResolveReference(l).String(), nil
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
