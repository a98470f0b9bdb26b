package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"foreman/internal/logging"
)

// FileSink appends events as JSON lines to events.log under the project
// directory, keeping at most maxLines entries. Rotation rewrites the file
// with the newest half when the cap is exceeded.
type FileSink struct {
	mu       sync.Mutex
	path     string
	maxLines int
	lines    []string
}

// NewFileSink opens (or creates) the append-only event log at path.
func NewFileSink(path string, maxLines int) (*FileSink, error) {
	if maxLines <= 0 {
		maxLines = 1000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	s := &FileSink{path: path, maxLines: maxLines}
	if data, err := os.ReadFile(path); err == nil {
		s.lines = splitLines(string(data))
	}
	return s, nil
}

// Append serializes the event and appends it, rotating when over the cap.
func (s *FileSink) Append(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Get(logging.CategoryEvents).Warn("failed to marshal event: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = append(s.lines, string(data))
	if len(s.lines) > s.maxLines {
		s.lines = s.lines[len(s.lines)-s.maxLines/2:]
		s.rewriteLocked()
		return
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Get(logging.CategoryEvents).Warn("failed to open event log: %v", err)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// Tail returns up to n of the most recent serialized events.
func (s *FileSink) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.lines) {
		n = len(s.lines)
	}
	out := make([]string, n)
	copy(out, s.lines[len(s.lines)-n:])
	return out
}

func (s *FileSink) rewriteLocked() {
	tmp := s.path + ".tmp"
	var buf []byte
	for _, line := range s.lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		logging.Get(logging.CategoryEvents).Warn("failed to rotate event log: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logging.Get(logging.CategoryEvents).Warn("failed to swap event log: %v", err)
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
