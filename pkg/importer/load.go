package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// targetFile is the on-disk import list.
type targetFile struct {
	Targets []json.RawMessage `json:"targets"`
}

// LoadTargets reads an import list of the form {"targets": [ImportTarget...]}.
//
// A file that cannot be read or parsed, or that lists no targets, is an
// *InputError. Individual entries that cannot be decoded or lack required
// fields are returned as rejected FailedProjects.
func LoadTargets(path string) (targets []ImportTarget, rejected []FailedProject, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &InputError{Path: path, Err: err}
	}
	return ParseTargets(path, data)
}

// ParseTargets parses an import list already in memory. name is used in errors.
func ParseTargets(name string, data []byte) (targets []ImportTarget, rejected []FailedProject, err error) {
	var tf targetFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, &InputError{Path: name, Err: fmt.Errorf("parse import list: %w", err)}
	}
	if len(tf.Targets) == 0 {
		return nil, nil, &InputError{Path: name, Err: errors.New("import list has no targets")}
	}

	for i, raw := range tf.Targets {
		var it ImportTarget
		if err := json.Unmarshal(raw, &it); err != nil {
			rejected = append(rejected, FailedProject{
				Target:      Target{Name: fmt.Sprintf("entry-%d", i)},
				UserMessage: fmt.Sprintf("entry %d: %v: %s", i, err, truncate(string(raw), 200)),
				Reason:      ReasonInvalidTarget,
			})
			continue
		}
		if err := it.Validate(); err != nil {
			rejected = append(rejected, newFailure(it, "", ReasonInvalidTarget, fmt.Sprintf("entry %d: %v", i, err)))
			continue
		}
		targets = append(targets, it)
	}
	return targets, rejected, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
