// Package validation collects field-level validation failures into a
// single aggregated error.
package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Error is one failure at a dotted path such as "settings.threshold.min".
type Error struct {
	Path    string
	Message string
	// Value is the offending value, when there is one.
	Value any
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Errors is an ordered list of failures reported as one error.
type Errors struct {
	Errors []*Error
}

// Error lists every failure, one per line after the first.
func (e *Errors) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return e.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:", len(e.Errors))
	for _, err := range e.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Add records a failure at path.
func (e *Errors) Add(path, message string) {
	e.AddWithValue(path, message, nil)
}

// Addf records a failure at path with a formatted message.
func (e *Errors) Addf(path, format string, args ...any) {
	e.AddWithValue(path, fmt.Sprintf(format, args...), nil)
}

// AddWithValue records a failure at path along with the offending value.
func (e *Errors) AddWithValue(path, message string, value any) {
	e.Errors = append(e.Errors, &Error{Path: path, Message: message, Value: value})
}

// Len returns the number of failures.
func (e *Errors) Len() int {
	return len(e.Errors)
}

// AsError returns e, or nil when nothing was recorded.
func (e *Errors) AsError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Sort orders failures by path, keeping insertion order within a path.
func (e *Errors) Sort() {
	sort.SliceStable(e.Errors, func(i, j int) bool {
		return e.Errors[i].Path < e.Errors[j].Path
	})
}
