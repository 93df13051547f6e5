package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// refPattern matches ${id.output} placeholders in configuration values.
// Resource IDs and output names allow letters, digits, dashes and
// underscores; the first character must be alphanumeric.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9][a-zA-Z0-9_-]*)\.([a-zA-Z0-9][a-zA-Z0-9_-]*)\}`)

// Reference is one ${id.output} placeholder found in a configuration value.
// References imply dependency edges: a descriptor that consumes another
// resource's output cannot be created before it.
type Reference struct {
	// ResourceID is the resource whose output is referenced.
	ResourceID string

	// Output is the referenced output name.
	Output string

	// Placeholder is the literal ${...} text as written.
	Placeholder string
}

// References extracts all placeholders from a configuration map, in
// deterministic order (by configuration key, then by position), with
// duplicates removed.
func References(config map[string]string) []Reference {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]struct{})
	var refs []Reference
	for _, k := range keys {
		for _, m := range refPattern.FindAllStringSubmatch(config[k], -1) {
			if _, dup := seen[m[0]]; dup {
				continue
			}
			seen[m[0]] = struct{}{}
			refs = append(refs, Reference{
				ResourceID:  m[1],
				Output:      m[2],
				Placeholder: m[0],
			})
		}
	}
	return refs
}

// OutputLookup returns the recorded outputs of a resource, or false when the
// resource has none recorded.
type OutputLookup func(resourceID string) (map[string]string, bool)

// ResolveConfig returns a copy of the descriptor's configuration with every
// ${id.output} placeholder replaced by the referenced resource's recorded
// output. Secret handles pass through as opaque strings; resolution of the
// underlying material happens inside the adapter that owns the handle.
//
// A placeholder whose resource has no recorded outputs, or whose output name
// is absent, fails with an unresolved-reference error: by the time resolution
// runs, every referenced resource must already have completed creation.
func ResolveConfig(d *ResourceDescriptor, lookup OutputLookup) (map[string]string, error) {
	resolved := make(map[string]string, len(d.Config))
	for k, v := range d.Config {
		out := v
		for _, m := range refPattern.FindAllStringSubmatch(v, -1) {
			placeholder, refID, refOut := m[0], m[1], m[2]
			outputs, ok := lookup(refID)
			if !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("resource %q has no recorded outputs", refID), nil).
					WithResource(d.ID).
					WithCode(ErrCodeUnresolvedRef).
					WithDetail("placeholder", placeholder)
			}
			value, ok := outputs[refOut]
			if !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("resource %q has no output %q", refID, refOut), nil).
					WithResource(d.ID).
					WithCode(ErrCodeUnresolvedRef).
					WithDetail("placeholder", placeholder)
			}
			out = strings.ReplaceAll(out, placeholder, value)
		}
		resolved[k] = out
	}
	return resolved, nil
}
