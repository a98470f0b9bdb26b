package logging

import "time"

// Timer measures the duration of an operation for a category.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, name string) *Timer {
	return &Timer{
		category: category,
		name:     name,
		start:    time.Now(),
	}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %s", t.name, time.Since(t.start))
}

// StopWithInfo logs the elapsed time at info level.
func (t *Timer) StopWithInfo() {
	Get(t.category).Info("%s took %s", t.name, time.Since(t.start))
}
