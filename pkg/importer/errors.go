package importer

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/scm-target-importer/pkg/client"
)

// SubmissionError is a failed submission of a single target.
type SubmissionError struct {
	Target     Target
	Class      client.ErrorClass
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submit %s: status %d: %v", e.Target.Key(), e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submit %s: %v", e.Target.Key(), e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Transport reports whether the service could not be reached or could not
// serve the submission.
func (e *SubmissionError) Transport() bool {
	return e.Class.IsTransport()
}

// Auth reports whether the remote service rejected the credentials.
func (e *SubmissionError) Auth() bool {
	return e.Class == client.ErrorClassAuth
}

// newSubmissionError classifies an executor outcome.
func newSubmissionError(t Target, resp *client.Response, err error) *SubmissionError {
	se := &SubmissionError{Target: t, Err: err}
	if resp != nil {
		se.StatusCode = resp.StatusCode
	}

	switch {
	case errors.Is(err, client.ErrAuth):
		se.Class = client.ErrorClassAuth
	case errors.Is(err, client.ErrRetryExhausted):
		se.Class = client.ErrorClassNetwork
	case errors.Is(err, client.ErrContextCancelled):
		se.Class = ""
	case err != nil && resp == nil:
		se.Class = client.ErrorClassNetwork
	case resp != nil:
		se.Class = client.Classify(resp.StatusCode, nil)
	}

	if se.Err == nil && resp != nil {
		se.Err = client.NewStatusError(resp)
	}
	return se
}

// FatalTransportError stops a run: a whole batch could not be submitted or
// the credentials were rejected.
type FatalTransportError struct {
	Batch  int
	Failed int
	Err    error
}

// Error implements the error interface.
func (e *FatalTransportError) Error() string {
	return fmt.Sprintf("batch %d: %d submissions failed, aborting run: %v", e.Batch, e.Failed, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FatalTransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is a polling payload that could not be interpreted.
type MalformedResponseError struct {
	PollingURL string
	StatusCode int
	Reason     string
	Err        error
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	msg := fmt.Sprintf("malformed job status from %s: %s", e.PollingURL, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// InputError prevents a run from starting.
type InputError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *InputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid input: %v", e.Err)
	}
	return fmt.Sprintf("invalid input %s: %v", e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *InputError) Unwrap() error {
	return e.Err
}
