package processor_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/delivery-core/internal/processor"
)

func TestFuncAdaptsPlainFunctions(t *testing.T) {
	var got processor.Task
	p := processor.Func(func(_ context.Context, task processor.Task) (string, error) {
		got = task
		return "ok-123", nil
	})

	summary, err := p.Process(context.Background(), processor.Task{
		BusinessKey: "pay-1",
		Payload:     []byte("body"),
		Attempt:     2,
		LastError:   "gateway timeout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "ok-123" {
		t.Fatalf("summary = %q, want %q", summary, "ok-123")
	}
	if got.BusinessKey != "pay-1" || got.Attempt != 2 || got.LastError != "gateway timeout" {
		t.Fatalf("task not passed through: %+v", got)
	}
}

func TestWrapTransient(t *testing.T) {
	if !errors.Is(processor.WrapTransient(nil), processor.ErrTransient) {
		t.Fatalf("WrapTransient(nil) should match ErrTransient")
	}

	wrapped := processor.WrapTransient(errors.New("connection reset"))
	if !errors.Is(wrapped, processor.ErrTransient) {
		t.Fatalf("wrapped error should match ErrTransient")
	}
	if errors.Is(wrapped, processor.ErrPermanent) {
		t.Fatalf("transient error must not match ErrPermanent")
	}
	if !strings.Contains(wrapped.Error(), "connection reset") {
		t.Fatalf("wrapped error lost the cause: %v", wrapped)
	}
}

func TestWrapPermanent(t *testing.T) {
	if !errors.Is(processor.WrapPermanent(nil), processor.ErrPermanent) {
		t.Fatalf("WrapPermanent(nil) should match ErrPermanent")
	}

	wrapped := processor.WrapPermanent(errors.New("card declined"))
	if !errors.Is(wrapped, processor.ErrPermanent) {
		t.Fatalf("wrapped error should match ErrPermanent")
	}
	if errors.Is(wrapped, processor.ErrTransient) {
		t.Fatalf("permanent error must not match ErrTransient")
	}
}
