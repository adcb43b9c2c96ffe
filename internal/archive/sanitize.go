package archive

import (
	"strconv"
	"strings"
)

// Sanitize reduces a candidate entry name to printable ASCII
// alphanumerics, dots, underscores and single spaces. Runs of whitespace
// collapse to one space and the result is trimmed.
func Sanitize(name string) string {
	var b strings.Builder
	space := false
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			space = true
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// directoryStack tracks the names already used at each archive depth and
// resolves collisions with -2, -3, ... suffixes.
type directoryStack struct {
	frames []*nameFrame
	path   []string
}

// nameFrame holds the per-directory collision state: the next suffix per
// base name and the set of names actually claimed.
type nameFrame struct {
	counts map[string]int
	used   map[string]bool
}

func newNameFrame() *nameFrame {
	return &nameFrame{counts: map[string]int{}, used: map[string]bool{}}
}

func newDirectoryStack() *directoryStack {
	return &directoryStack{frames: []*nameFrame{newNameFrame()}}
}

func (s *directoryStack) depth() int {
	return len(s.path)
}

// reserve claims a sanitized name in the current frame, appending a
// collision suffix starting from the second occurrence. A suffixed name
// that matches a literal sibling keeps counting until it is free.
func (s *directoryStack) reserve(name string) string {
	clean := Sanitize(name)
	if clean == "" {
		clean = "Unknown"
	}
	frame := s.frames[len(s.frames)-1]
	candidate := clean
	n := frame.counts[clean]
	for {
		n++
		if n > 1 {
			candidate = clean + "-" + strconv.Itoa(n)
		}
		if !frame.used[candidate] {
			break
		}
	}
	frame.counts[clean] = n
	frame.used[candidate] = true
	return candidate
}

// push enters a directory, opening a fresh name frame underneath it.
func (s *directoryStack) push(name string) string {
	clean := s.reserve(name)
	s.path = append(s.path, clean)
	s.frames = append(s.frames, newNameFrame())
	return clean
}

// pop leaves the current directory. The caller checks the depth.
func (s *directoryStack) pop() {
	s.path = s.path[:len(s.path)-1]
	s.frames = s.frames[:len(s.frames)-1]
}

// join renders the archive path of an entry named leaf in the current
// directory. ZIP entries always use forward slashes.
func (s *directoryStack) join(leaf string) string {
	if len(s.path) == 0 {
		return leaf
	}
	return strings.Join(s.path, "/") + "/" + leaf
}
