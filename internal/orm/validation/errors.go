package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrValidation matches every *ValidationErrors with errors.Is
var ErrValidation = errors.New("validation failed")

// ValidationErrors collects the field errors of one instance
type ValidationErrors struct {
	Instance string              `json:"instance"`
	Fields   map[string][]string `json:"fields"`
}

// NewValidationErrors creates an empty set for the named instance
func NewValidationErrors(instance string) *ValidationErrors {
	return &ValidationErrors{
		Instance: instance,
		Fields:   make(map[string][]string),
	}
}

// Add adds a validation error for a specific field
func (ve *ValidationErrors) Add(field, message string) {
	if ve.Fields == nil {
		ve.Fields = make(map[string][]string)
	}
	ve.Fields[field] = append(ve.Fields[field], message)
}

// HasErrors returns true if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Fields) > 0
}

// Count returns the total number of validation errors across all fields
func (ve *ValidationErrors) Count() int {
	count := 0
	for _, messages := range ve.Fields {
		count += len(messages)
	}
	return count
}

// Error lists the field errors sorted by field name
func (ve *ValidationErrors) Error() string {
	prefix := "validation failed"
	if ve.Instance != "" {
		prefix += " for " + ve.Instance
	}
	if !ve.HasErrors() {
		return prefix
	}

	fields := make([]string, 0, len(ve.Fields))
	for field := range ve.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var messages []string
	for _, field := range fields {
		for _, msg := range ve.Fields[field] {
			messages = append(messages, fmt.Sprintf("%s: %s", field, msg))
		}
	}

	if len(messages) == 1 {
		return fmt.Sprintf("%s: %s", prefix, messages[0])
	}
	return fmt.Sprintf("%s:\n  - %s", prefix, strings.Join(messages, "\n  - "))
}

// Is makes errors.Is(err, ErrValidation) hold
func (ve *ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// MarshalJSON implements json.Marshaler
func (ve *ValidationErrors) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error    string              `json:"error"`
		Instance string              `json:"instance,omitempty"`
		Fields   map[string][]string `json:"fields"`
	}{
		Error:    "validation_failed",
		Instance: ve.Instance,
		Fields:   ve.Fields,
	})
}
