package job_test

import (
	"context"
	"errors"
	"testing"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

func TestRegistry_SecondRegistrationRejected(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	h1Calls := 0
	h1 := func(_ context.Context, _ []byte) error { h1Calls++; return nil }
	h2 := func(_ context.Context, _ []byte) error { return errors.New("should never run") }

	if err := r.Register("welcome_email", h1); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("welcome_email", h2); !errors.Is(err, conveyor.ErrHandlerExists) {
		t.Fatalf("second Register = %v, want ErrHandlerExists", err)
	}

	// The first handler must remain the sole handler.
	h, ok := r.Get("welcome_email")
	if !ok {
		t.Fatal("handler missing after duplicate registration attempt")
	}
	if err := h(context.Background(), nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if h1Calls != 1 {
		t.Fatalf("h1 called %d times, want 1", h1Calls)
	}
}

func TestRegistry_NilHandlerRejected(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	if err := r.Register("x", nil); !errors.Is(err, conveyor.ErrNilHandler) {
		t.Fatalf("Register(nil) = %v, want ErrNilHandler", err)
	}
}

func TestRegistry_Types(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()
	noop := func(_ context.Context, _ []byte) error { return nil }

	for _, typ := range []string{"a", "b", "c"} {
		if err := r.Register(typ, noop); err != nil {
			t.Fatalf("Register(%q): %v", typ, err)
		}
	}
	if got := len(r.Types()); got != 3 {
		t.Fatalf("Types() returned %d entries, want 3", got)
	}
}

func TestRegisterDefinition_DecodesPayload(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	type emailPayload struct {
		To string `json:"to"`
	}

	var got string
	def := job.NewDefinition("email", func(_ context.Context, p emailPayload) error {
		got = p.To
		return nil
	})
	if err := job.RegisterDefinition(r, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}

	h, _ := r.Get("email")
	if err := h(context.Background(), []byte(`{"to":"a@b.com"}`)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "a@b.com" {
		t.Fatalf("decoded payload %q, want %q", got, "a@b.com")
	}

	// Malformed payload surfaces as a handler error, not a panic.
	if err := h(context.Background(), []byte(`{`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status job.Status
		want   bool
	}{
		{job.StatusWaiting, false},
		{job.StatusDelayed, false},
		{job.StatusActive, false},
		{job.StatusCompleted, true},
		{job.StatusFailed, true},
		{job.StatusPaused, false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
