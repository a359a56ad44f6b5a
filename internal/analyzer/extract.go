package analyzer

import "strings"

// resolveDotPath walks a dot-path through a nested map[string]any, the
// same traversal the filter engine's field resolution uses. Duplicated
// locally rather than imported from internal/filter: the analyzer engine
// has no other reason to depend on the filter package, and the two
// resolvers are allowed to diverge (the filter engine's undefined-leaf
// semantics don't apply here — a missing extraction field is simply
// omitted from the projected map).
func resolveDotPath(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// extractFields projects each entry's decoded JSON body onto the
// extraction.fields mapping (output name -> input dot-path). Entries are
// mutated in place; a source field that isn't present on a given entry
// is simply omitted from its projection.
func extractFields(entries []LogEntry, mapping map[string]string) {
	for i := range entries {
		projected := make(map[string]any, len(mapping))
		for out, inPath := range mapping {
			if v, ok := resolveDotPath(entries[i].Fields, inPath); ok {
				projected[out] = v
			}
		}
		entries[i].Fields = projected
	}
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
