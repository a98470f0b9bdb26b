package driver

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Category classifies one output line from the specialist tool.
type Category string

const (
	CategoryProgress Category = "progress"
	CategoryTask     Category = "task"
	CategoryError    Category = "error"
	CategoryDebug    Category = "debug"
)

// Important reports whether the category belongs in the condensed stream.
func (c Category) Important() bool {
	return c == CategoryProgress || c == CategoryTask || c == CategoryError
}

// Line is one categorized output line.
type Line struct {
	Category Category  `json:"category"`
	Text     string    `json:"text"`
	Stderr   bool      `json:"stderr,omitempty"`
	At       time.Time `json:"at"`
}

var (
	progressRe = regexp.MustCompile(`(?i)^(progress|working|running|executing|step \d|\[\d+/\d+\]|\d{1,3}%)`)
	taskRe     = regexp.MustCompile(`(?i)^(task|created|wrote|completed|done|generated|modified|file)[:\s]`)
	errorRe    = regexp.MustCompile(`(?i)(error|fail(ed|ure)?|panic|fatal|exception|traceback)`)
)

// categorize assigns a category by pattern. Error patterns win, then
// progress, then task markers; everything else is debug noise.
func categorize(text string, stderr bool) Line {
	line := Line{Text: text, Stderr: stderr, At: time.Now(), Category: CategoryDebug}
	trimmed := strings.TrimSpace(text)
	switch {
	case errorRe.MatchString(trimmed):
		line.Category = CategoryError
	case progressRe.MatchString(trimmed):
		line.Category = CategoryProgress
	case taskRe.MatchString(trimmed):
		line.Category = CategoryTask
	case stderr:
		line.Category = CategoryError
	}
	return line
}

// collector accumulates categorized lines from both streams: the full
// important stream plus a bounded tail of everything for diagnostics.
type collector struct {
	mu       sync.Mutex
	imp      []Line
	all      []Line // ring of the last maxTail lines
	maxTail  int
	count    int
	tailNext int
	wrapped  bool
}

func newCollector(maxTail int) *collector {
	return &collector{maxTail: maxTail, all: make([]Line, maxTail)}
}

func (c *collector) add(line Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if line.Category.Important() {
		c.imp = append(c.imp, line)
	}
	c.all[c.tailNext] = line
	c.tailNext++
	if c.tailNext == c.maxTail {
		c.tailNext = 0
		c.wrapped = true
	}
}

func (c *collector) important() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Line(nil), c.imp...)
}

// tail returns the last maxTail lines in arrival order.
func (c *collector) tail() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wrapped {
		return append([]Line(nil), c.all[:c.tailNext]...)
	}
	out := make([]Line, 0, c.maxTail)
	out = append(out, c.all[c.tailNext:]...)
	out = append(out, c.all[:c.tailNext]...)
	return out
}

func (c *collector) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// diagnostic condenses the most recent error lines into one string for
// fault messages.
func (c *collector) diagnostic() string {
	lines := c.tail()
	var errs []string
	for _, l := range lines {
		if l.Category == CategoryError {
			errs = append(errs, l.Text)
		}
	}
	if len(errs) > 5 {
		errs = errs[len(errs)-5:]
	}
	if len(errs) == 0 {
		return "no error output"
	}
	return strings.Join(errs, "; ")
}
