package cache

import (
	"sort"
	"strings"
)

// Key identifies a cached lookup.
type Key struct {
	// Namespace groups entries of one kind (e.g. "integrations").
	Namespace string

	// OrgID scopes the entry to an organisation.
	OrgID string

	// Params narrows the lookup further. Order does not matter.
	Params map[string]string
}

// String generates a deterministic key string.
// Format: importer:namespace:org:param1=val1:param2=val2
func (k Key) String() string {
	parts := []string{"importer"}

	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	if k.OrgID != "" {
		parts = append(parts, k.OrgID)
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+k.Params[name])
		}
	}

	return strings.Join(parts, ":")
}
