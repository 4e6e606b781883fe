package crdt

import (
	"strconv"
	"strings"
)

// Segment is one step of a parsed path: either an object key or an
// array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsePath splits a path such as "users[0].profile.name" into segments.
// Dots separate keys, brackets select array indices, and empty or
// malformed segments are skipped.
func ParsePath(path string) []Segment {
	segments := make([]Segment, 0, 4)
	pos := 0
	for pos < len(path) {
		rest := path[pos:]

		// Skip a leading dot
		if rest[0] == '.' {
			pos++
			rest = rest[1:]
			if rest == "" {
				break
			}
		}

		// Check for an array index
		if rest[0] == '[' {
			if end := strings.IndexByte(rest, ']'); end >= 0 {
				idx, err := strconv.Atoi(rest[1:end])
				pos += end + 1
				if err == nil && idx >= 0 {
					segments = append(segments, Segment{Index: idx, IsIndex: true})
				}
				continue
			}
			// Unterminated bracket, skip the byte
			pos++
			continue
		}

		// Find the next delimiter
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			end = len(rest)
		}
		key := rest[:end]
		pos += end
		if key != "" {
			segments = append(segments, Segment{Key: key})
		}
	}
	return segments
}

// GetPath returns the value referenced by the path. An empty path
// refers to the value itself.
func (v Value) GetPath(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	current := v
	for _, seg := range ParsePath(path) {
		if seg.IsIndex {
			if current.kind != KindArray || seg.Index >= len(current.arr) {
				return Value{}, false
			}
			current = current.arr[seg.Index]
			continue
		}
		if current.kind != KindObject {
			return Value{}, false
		}
		child, ok := current.obj[seg.Key]
		if !ok {
			return Value{}, false
		}
		current = child
	}
	return current, true
}

// SetPath writes a value at the path, creating intermediate objects and
// arrays as needed. A key segment replaces a non-object interior node
// with an object; an index segment replaces a non-array node with an
// array padded with nulls up to the index. An empty path replaces the
// value itself.
func (v *Value) SetPath(path string, value Value) {
	if path == "" {
		*v = value
		return
	}
	segments := ParsePath(path)
	if len(segments) == 0 {
		return
	}
	setSegments(v, segments, value)
}

func setSegments(v *Value, segments []Segment, value Value) {
	seg := segments[0]
	last := len(segments) == 1

	if seg.IsIndex {
		if v.kind != KindArray {
			*v = Value{kind: KindArray, arr: []Value{}}
		}
		for len(v.arr) <= seg.Index {
			v.arr = append(v.arr, Value{})
		}
		if last {
			v.arr[seg.Index] = value
			return
		}
		setSegments(&v.arr[seg.Index], segments[1:], value)
		return
	}

	if v.kind != KindObject {
		*v = Value{kind: KindObject, obj: make(map[string]Value)}
	}
	if last {
		v.obj[seg.Key] = value
		return
	}
	child := v.obj[seg.Key]
	setSegments(&child, segments[1:], value)
	v.obj[seg.Key] = child
}
