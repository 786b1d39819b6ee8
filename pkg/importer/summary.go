package importer

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteFailureSummary writes a human-readable report of res.Failed to w,
// grouped by target.
func WriteFailureSummary(w io.Writer, res *Result) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Import run %s\n", res.RunID)
	fmt.Fprintf(&b, "  imported projects: %d\n", len(res.Projects))
	fmt.Fprintf(&b, "  failed:            %d\n", len(res.Failed))
	fmt.Fprintf(&b, "  skipped targets:   %d\n", len(res.Skipped))
	if res.Aborted {
		fmt.Fprintf(&b, "  aborted after batch %d\n", res.Batches)
	}
	if res.JournalErrors > 0 {
		fmt.Fprintf(&b, "  journal errors:    %d\n", res.JournalErrors)
	}

	if len(res.Failed) > 0 {
		groups := make(map[string][]FailedProject)
		for _, fp := range res.Failed {
			key := fp.Target.Key()
			if fp.OrgID != "" {
				key = fp.OrgID + "/" + key
			}
			groups[key] = append(groups[key], fp)
		}
		keys := make([]string, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\nFailures:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s\n", k)
			for _, fp := range groups[k] {
				file := fp.TargetFile
				if file == "" {
					file = "(target)"
				}
				fmt.Fprintf(&b, "    - %s [%s] %s\n", file, fp.Reason, fp.UserMessage)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
