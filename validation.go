package modelkit

import (
	"fmt"
	"sort"
	"strings"
)

// Field identifies the value a Validator is checking
type Field struct {
	Column   string
	Model    *Model
	Instance *Instance
}

// Label is the human readable column name, "first_name" gives "First Name"
func (f Field) Label() string {
	return titleCase(f.Column)
}

// Validator checks a single column value. Returning a non-nil error marks
// the value invalid; the error text becomes the failure message.
type Validator interface {
	Validate(f Field, value any) error
}

// ValidatorFunc adapts a plain function to a Validator
type ValidatorFunc func(value any) error

func (fn ValidatorFunc) Validate(_ Field, value any) error {
	return fn(value)
}

// FieldValidatorFunc adapts a function that also needs the Field
type FieldValidatorFunc func(f Field, value any) error

func (fn FieldValidatorFunc) Validate(f Field, value any) error {
	return fn(f, value)
}

// Required fails on nil and empty strings. It is attached to every not-null,
// non-pk column without a default of models with validation enabled.
type Required struct {
	Message string
}

func (r Required) Validate(f Field, value any) error {
	if !isBlank(value) {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf("%s is required.", f.Label())
	}
	return &ValidationError{Column: f.Column, Message: msg}
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case *string:
		return v == nil || *v == ""
	}
	return false
}

// MaxLength fails on strings longer than Max runes
type MaxLength struct {
	Max     int
	Message string
}

func (m MaxLength) Validate(f Field, value any) error {
	s, ok := value.(string)
	if !ok || len([]rune(s)) <= m.Max {
		return nil
	}
	msg := m.Message
	if msg == "" {
		msg = fmt.Sprintf("%s must be at most %d characters.", f.Label(), m.Max)
	}
	return &ValidationError{Column: f.Column, Message: msg}
}

// OneOf fails when the value is set and not one of Values
type OneOf struct {
	Values  []any
	Message string
}

func (o OneOf) Validate(f Field, value any) error {
	if value == nil {
		return nil
	}
	for _, v := range o.Values {
		if v == value {
			return nil
		}
	}
	msg := o.Message
	if msg == "" {
		msg = fmt.Sprintf("%s must be one of %v.", f.Label(), o.Values)
	}
	return &ValidationError{Column: f.Column, Message: msg}
}

// ValidationError is a single failed check
type ValidationError struct {
	Column  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Column == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Column, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ValidationErrors collects every failure of one validation pass, keyed by
// column.
type ValidationErrors struct {
	Model  string
	Errors map[string][]string
}

// Add records a failure for column
func (e *ValidationErrors) Add(column, message string) {
	if e.Errors == nil {
		e.Errors = make(map[string][]string)
	}
	e.Errors[column] = append(e.Errors[column], message)
}

// Len returns the number of failed columns
func (e *ValidationErrors) Len() int {
	return len(e.Errors)
}

// Err returns e, or nil if nothing failed
func (e *ValidationErrors) Err() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

func (e *ValidationErrors) Error() string {
	cols := make([]string, 0, len(e.Errors))
	for c := range e.Errors {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s: %s", c, strings.Join(e.Errors[c], "; ")))
	}
	prefix := "modelkit: validation failed"
	if e.Model != "" {
		prefix += " for " + e.Model
	}
	return prefix + ": " + strings.Join(parts, ", ")
}

func (e *ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

func hasRequired(vs []Validator) bool {
	for _, v := range vs {
		switch v.(type) {
		case Required, *Required:
			return true
		}
	}
	return false
}
