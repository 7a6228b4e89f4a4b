package pubsubkey

import (
	"sort"
	"strconv"
	"strings"
)

// Flatten implements the tree-to-dotted-path flattening rules: a
// scalar/nil/Undefined at path P becomes one entry {P: value}; an object at path P
// recurses into P.{field}; an array at path P recurses into P.{index}
// using base-10 integer segments. The result maps dotted paths to their
// raw (un-encoded) leaf values; callers apply EncodeValue separately so
// Flatten stays reusable for both persistence and in-memory diffing.
func Flatten(prefix string, v any) map[string]any {
	out := make(map[string]any)
	flattenInto(prefix, v, out)
	return out
}

func flattenInto(prefix string, v any, out map[string]any) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			out[prefix] = map[string]any{}
			return
		}
		for field, child := range val {
			flattenInto(joinPath(prefix, field), child, out)
		}
	case []any:
		if len(val) == 0 {
			out[prefix] = []any{}
			return
		}
		for i, child := range val {
			flattenInto(joinPath(prefix, strconv.Itoa(i)), child, out)
		}
	default:
		out[prefix] = v
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	// An empty segment from a double dot is dropped.
	if segment == "" {
		return prefix
	}
	return prefix + "." + segment
}

// SplitPath splits a dotted path into segments, dropping empty segments
// produced by a leading/trailing/double dot.
func SplitPath(path string) []string {
	raw := strings.Split(path, ".")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// isArrayIndex reports whether segment is a purely numeric path segment,
// i.e. denotes an array index rather than an object field.
func isArrayIndex(segment string) bool {
	if segment == "" {
		return false
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SortedPaths returns the keys of flat sorted lexicographically. Callers
// that must apply writes in a deterministic order (e.g. flush batching)
// use this instead of ranging over the map directly.
func SortedPaths(flat map[string]any) []string {
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Navigate walks root along path's segments, creating maps (or, for
// numeric segments, expanding slices sparsely with Undefined placeholders)
// as needed, and returns a setter that assigns the leaf value. This is the
// "rebuild" half of flattening rules.
func Navigate(root map[string]any, path string) func(value any) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return func(any) {}
	}
	return func(value any) {
		setAt(root, segments, value)
	}
}

func setAt(container any, segments []string, value any) any {
	seg := segments[0]
	last := len(segments) == 1

	if isArrayIndex(seg) {
		idx, _ := strconv.Atoi(seg)
		arr, _ := container.([]any)
		arr = expandSlice(arr, idx)
		if last {
			arr[idx] = value
		} else {
			child := arr[idx]
			if child == nil || IsUndefined(child) {
				child = nextContainer(segments[1])
			}
			arr[idx] = setAt(child, segments[1:], value)
		}
		return arr
	}

	m, _ := container.(map[string]any)
	if m == nil {
		m = make(map[string]any)
	}
	if last {
		m[seg] = value
		return m
	}
	child, ok := m[seg]
	if !ok || child == nil || IsUndefined(child) {
		child = nextContainer(segments[1])
	}
	m[seg] = setAt(child, segments[1:], value)
	return m
}

func nextContainer(nextSegment string) any {
	if isArrayIndex(nextSegment) {
		return []any{}
	}
	return map[string]any{}
}

func expandSlice(arr []any, idx int) []any {
	for len(arr) <= idx {
		arr = append(arr, Undefined{})
	}
	return arr
}
