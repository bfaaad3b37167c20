package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"accept failed", ErrAcceptFailed, true},
		{"persist failed", fmt.Errorf("device 3: %w", ErrPersistFailed), true},
		{"ack write failed", ErrAckWriteFailed, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"sqlite busy", fmt.Errorf("database is locked"), true},
		{"bind failed", ErrBindFailed, false},
		{"invalid data", ErrInvalidData, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"bind failed", fmt.Errorf("listen tcp :9000: %w", ErrBindFailed), true},
		{"invalid config", ErrInvalidConfig, true},
		{"permission denied text", fmt.Errorf("open db: permission denied"), true},
		{"persist failed", ErrPersistFailed, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: ErrInvalidConfig}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for %v", test.expected, got, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"invalid data", ErrInvalidData, ErrorInvalid},
		{"bind failed", ErrBindFailed, ErrorFatal},
		{"unknown", errors.New("something odd"), ErrorTransient},
		{"wrapped invalid", WrapInvalid(errors.New("bad id"), "API", "getAlert", "parse id"), ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("address already in use")

	if Wrap(nil, "Listener", "Start", "bind") != nil {
		t.Fatal("expected nil for nil error")
	}

	err := Wrap(base, "Listener", "Start", "bind 0.0.0.0:9000")
	want := "Listener.Start: bind 0.0.0.0:9000 failed: address already in use"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should match base")
	}
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("insert alert: %w", ErrStorageUnavailable)

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(base, "Store", "CreateAlert", "insert")

			var ce *ClassifiedError
			if !As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "Store" || ce.Operation != "CreateAlert" {
				t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
			}
			if !Is(err, ErrStorageUnavailable) {
				t.Error("classified error should unwrap to the sentinel")
			}
			if test.wrap(nil, "Store", "CreateAlert", "insert") != nil {
				t.Error("expected nil for nil error")
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	err := WrapInvalid(fmt.Errorf("device 7: %w", ErrNotFound), "Store", "GetDevice", "lookup")
	if !IsNotFound(err) {
		t.Error("expected not found through classified wrapper")
	}
	if IsNotFound(ErrConflict) {
		t.Error("conflict is not a not-found error")
	}
}
