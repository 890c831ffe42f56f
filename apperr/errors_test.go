package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestPersistence_KeepsTaxonomyErrors(t *testing.T) {
	ve := Validation("companyName", "required")
	if got := Persistence("insert", ve); got != ve {
		t.Fatalf("expected validation error to pass through, got %v", got)
	}

	wrapped := fmt.Errorf("application: load: %w", NotFound("application", "APP1"))
	if got := Persistence("load", wrapped); got != wrapped {
		t.Fatalf("expected wrapped not-found to pass through, got %v", got)
	}

	raw := errors.New("connection reset")
	got := Persistence("insert fields", raw)
	if !IsPersistence(got) {
		t.Fatalf("expected PersistenceError, got %T", got)
	}
	if !errors.Is(got, raw) {
		t.Fatalf("expected PersistenceError to unwrap to cause")
	}
	if Persistence("noop", nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}

func TestValidationError_MessageIsSorted(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{
		"contactPhone": "invalid format",
		"companyName":  "required",
	}}
	want := "validation failed: companyName: required; contactPhone: invalid format"
	if err.Error() != want {
		t.Fatalf("expected %q got %q", want, err.Error())
	}
}

func TestClassifiers(t *testing.T) {
	it := fmt.Errorf("review: submit: %w", &IllegalTransitionError{Entity: "task", From: "completed", To: "completed"})
	if !IsIllegalTransition(it) {
		t.Fatalf("expected illegal transition to be detected through wrapping")
	}
	if IsNotFound(it) || IsValidation(it) {
		t.Fatalf("unexpected classification for %v", it)
	}
}
