package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassification(t *testing.T) {
	tests := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.InvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var repoErr *Error
			if !errors.As(err, &repoErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification for %s: %+v", tc.code, repoErr)
			}
		})
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("op", status.Error(codes.Canceled, "cancelled")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.DeadlineExceeded, "late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if err := WrapError("op", context.Canceled); err != context.Canceled {
		t.Fatalf("expected unchanged context error, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestWrapErrorKeepsSentinels(t *testing.T) {
	sentinel := errors.New("aborted by guard")
	if err := WrapError("transaction", sentinel); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel to survive wrapping, got %v", err)
	}
	if err := WrapError("transaction", NotFound("orders.get", "o1")); !err.(*Error).IsNotFound() {
		t.Fatalf("expected not found to be preserved")
	}
	wrapped := fmt.Errorf("%w: product p1", NotFound("products.get", "p1"))
	err := WrapError("transaction", wrapped)
	var repoErr *Error
	if err != wrapped || !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected already classified chain to pass through, got %v", err)
	}
}
