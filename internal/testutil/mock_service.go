// Package testutil provides a mock of the remote import service for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Failure selects how the mock answers an import call.
type Failure int

const (
	// FailNone accepts the import.
	FailNone Failure = iota
	// FailDrop closes the connection without a response.
	FailDrop
	// FailServerError answers 500.
	FailServerError
	// FailUnauthorized answers 401.
	FailUnauthorized
	// FailBadRequest answers 400.
	FailBadRequest
	// FailNoLocation answers 201 without a Location header.
	FailNoLocation
)

// JobBehavior controls how a job reports when polled.
type JobBehavior struct {
	// PollsUntilDone is the number of polls answered "pending" first.
	PollsUntilDone int
	// Status is the terminal status (default "complete").
	Status string
	// FailedFiles maps target files to the user message of a failed project.
	FailedFiles map[string]string
	// OmitFiles lists submitted files the job does not report.
	OmitFiles []string
	// Malformed answers the poll with an unparsable body.
	Malformed bool
	// Never keeps the job pending forever.
	Never bool
}

// ImportCall is a recorded import request.
type ImportCall struct {
	OrgID          string
	IntegrationID  string
	Target         map[string]string
	Files          []string
	ExclusionGlobs string
	Header         http.Header
}

type importBody struct {
	Target         map[string]string       `json:"target"`
	Files          []struct{ Path string } `json:"files"`
	ExclusionGlobs string                  `json:"exclusionGlobs"`
}

type mockJob struct {
	id     string
	call   ImportCall
	polls  int
	status string
}

// MockService is a configurable mock of the import API.
type MockService struct {
	server *httptest.Server
	mu     sync.Mutex

	integrations map[string]map[string]string
	failures     func(targetName string) Failure
	behaviors    map[string]JobBehavior
	jobs         map[string]*mockJob
	nextJob      int

	// Tracking
	RequestCount      int
	IntegrationsCount int
	PollCount         int
	Imports           []ImportCall
	ImportAttempts    map[string]int
}

// NewMockService starts a mock import service.
func NewMockService() *MockService {
	m := &MockService{
		integrations:   make(map[string]map[string]string),
		behaviors:      make(map[string]JobBehavior),
		jobs:           make(map[string]*mockJob),
		ImportAttempts: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /org/{org}/integrations", m.handleIntegrations)
	mux.HandleFunc("POST /org/{org}/integrations/{integration}/import", m.handleImport)
	mux.HandleFunc("GET /org/{org}/integrations/{integration}/import/{job}", m.handlePoll)

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.RequestCount++
		m.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	return m
}

// URL returns the mock server URL.
func (m *MockService) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockService) Close() {
	m.server.Close()
}

// SetIntegrations sets the integration map of an org.
func (m *MockService) SetIntegrations(orgID string, integrations map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[orgID] = integrations
}

// SetFailures installs a function deciding how each import call is answered.
func (m *MockService) SetFailures(fn func(targetName string) Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = fn
}

// SetJobBehavior configures the job created for targetName.
func (m *MockService) SetJobBehavior(targetName string, b JobBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[targetName] = b
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockService) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// ImportedTargets returns the names of accepted imports in arrival order.
func (m *MockService) ImportedTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.Imports))
	for _, c := range m.Imports {
		names = append(names, c.Target["name"])
	}
	return names
}

// Attempts returns how often an import of targetName was attempted.
func (m *MockService) Attempts(targetName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ImportAttempts[targetName]
}

func (m *MockService) handleIntegrations(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.IntegrationsCount++
	integrations, ok := m.integrations[r.PathValue("org")]
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "org not found"})
		return
	}
	writeJSON(w, http.StatusOK, integrations)
}

func (m *MockService) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var body importBody
	if err := json.Unmarshal(data, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	name := body.Target["name"]

	m.mu.Lock()
	m.ImportAttempts[name]++
	failure := FailNone
	if m.failures != nil {
		failure = m.failures(name)
	}
	m.mu.Unlock()

	switch failure {
	case FailDrop:
		dropConnection(w)
		return
	case FailServerError:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	case FailUnauthorized:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
		return
	case FailBadRequest:
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad target"})
		return
	case FailNoLocation:
		w.WriteHeader(http.StatusCreated)
		return
	}

	call := ImportCall{
		OrgID:          r.PathValue("org"),
		IntegrationID:  r.PathValue("integration"),
		Target:         body.Target,
		ExclusionGlobs: body.ExclusionGlobs,
		Header:         r.Header.Clone(),
	}
	for _, f := range body.Files {
		call.Files = append(call.Files, f.Path)
	}

	m.mu.Lock()
	m.nextJob++
	job := &mockJob{id: fmt.Sprintf("job-%d", m.nextJob), call: call, status: "pending"}
	m.jobs[job.id] = job
	m.Imports = append(m.Imports, call)
	m.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("%s/org/%s/integrations/%s/import/%s", m.server.URL, call.OrgID, call.IntegrationID, job.id))
	w.WriteHeader(http.StatusCreated)
}

func (m *MockService) handlePoll(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.PollCount++
	job, ok := m.jobs[r.PathValue("job")]
	if !ok {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "job not found"})
		return
	}
	job.polls++
	behavior := m.behaviors[job.call.Target["name"]]
	m.mu.Unlock()

	if behavior.Malformed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": `))
		return
	}

	created := time.Now().UTC().Format(time.RFC3339)
	if behavior.Never || job.polls <= behavior.PollsUntilDone {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      job.id,
			"status":  "pending",
			"created": created,
			"logs":    []any{},
		})
		return
	}

	status := behavior.Status
	if status == "" {
		status = "complete"
	}

	files := job.call.Files
	if len(files) == 0 && status == "complete" {
		files = []string{"package.json"}
	}
	omitted := make(map[string]bool, len(behavior.OmitFiles))
	for _, f := range behavior.OmitFiles {
		omitted[f] = true
	}

	projects := []map[string]any{}
	for _, f := range files {
		if omitted[f] {
			continue
		}
		if msg, failed := behavior.FailedFiles[f]; failed {
			projects = append(projects, map[string]any{
				"targetFile":  f,
				"success":     false,
				"projectUrl":  "",
				"userMessage": msg,
			})
			continue
		}
		if status != "complete" {
			continue
		}
		projects = append(projects, map[string]any{
			"targetFile": f,
			"success":    true,
			"projectUrl": fmt.Sprintf("https://app.example.com/org/%s/project/%s-%s", job.call.OrgID, job.id, f),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      job.id,
		"status":  status,
		"created": created,
		"logs": []map[string]any{{
			"name":     job.call.Target["owner"] + "/" + job.call.Target["name"],
			"created":  created,
			"status":   status,
			"projects": projects,
		}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// dropConnection closes the client connection without writing a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}
