// Package apperr holds the error taxonomy shared by the cooperation core.
// Write-side failures abort the enclosing transaction; callers classify them
// with errors.As and map them to user-visible responses.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports malformed or missing input. Fields maps a field name
// to a short reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validation builds a ValidationError for a single field.
func Validation(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// IllegalTransitionError is returned when a status change falls outside the
// legal graph for Entity.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}

// PersistenceError wraps any failure inside a multi-row write. The
// transaction it happened in has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err unless it already carries a taxonomy type, in which
// case it is returned untouched.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// AssignmentDegradedWarning is not a failure. It is attached to assignment
// results when no reviewer had capacity and the default reviewer was used.
type AssignmentDegradedWarning struct {
	TaskID          string
	DefaultReviewer string
}

func (w *AssignmentDegradedWarning) Error() string {
	return fmt.Sprintf("no available reviewer for task %s, defaulted to %s", w.TaskID, w.DefaultReviewer)
}

// IsTaxonomy reports whether err already carries one of the typed errors above.
func IsTaxonomy(err error) bool {
	var (
		ve *ValidationError
		it *IllegalTransitionError
		pe *PersistenceError
		nf *NotFoundError
	)
	return errors.As(err, &ve) || errors.As(err, &it) || errors.As(err, &pe) || errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var it *IllegalTransitionError
	return errors.As(err, &it)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
