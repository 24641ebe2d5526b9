package envelope

import "testing"

func TestNewGeneratesRequestIDWhenBlank(t *testing.T) {
	e := New("")
	if e.RequestID == "" {
		t.Fatal("expected New to mint a request id when none is supplied")
	}
}

func TestNewKeepsSuppliedRequestID(t *testing.T) {
	e := New("explicit-id")
	if e.RequestID != "explicit-id" {
		t.Fatalf("expected supplied request id to be kept, got %s", e.RequestID)
	}
}

func TestValidateRejectsBlankRequestID(t *testing.T) {
	e := Envelope{RequestID: "   "}
	if err := e.Validate(); err == nil {
		t.Fatal("expected blank requestId to fail validation")
	}
}

func TestDeriveTraceIDFallsBackToRequestID(t *testing.T) {
	e := Envelope{RequestID: "req-1"}
	if got := e.DeriveTraceID(); got != "req-1" {
		t.Fatalf("expected fallback to request id, got %s", got)
	}
	e.TraceID = "trace-1"
	if got := e.DeriveTraceID(); got != "trace-1" {
		t.Fatalf("expected explicit trace id to win, got %s", got)
	}
}

func TestDeriveDefaultLockKeyPrecedence(t *testing.T) {
	explicit := Envelope{LockKey: "custom:key"}
	if got := DeriveDefaultLockKey(explicit, "room-1", "canvas.agent_prompt", "widget-1", "chart"); got != "custom:key" {
		t.Fatalf("expected explicit lock key to win, got %s", got)
	}

	byComponentID := Envelope{}
	if got := DeriveDefaultLockKey(byComponentID, "room-1", "canvas.agent_prompt", "widget-1", "chart"); got != "widget:widget-1" {
		t.Fatalf("expected component id precedence, got %s", got)
	}

	byComponentType := Envelope{}
	if got := DeriveDefaultLockKey(byComponentType, "room-1", "canvas.agent_prompt", "", "chart"); got != "widget-type:chart" {
		t.Fatalf("expected component type fallback, got %s", got)
	}

	byTaskFamily := Envelope{}
	if got := DeriveDefaultLockKey(byTaskFamily, "room-1", "canvas.agent_prompt", "", ""); got != "room:room-1:canvas" {
		t.Fatalf("expected task-family fallback, got %s", got)
	}
}

func TestNewIDProducesDistinctValues(t *testing.T) {
	if NewID() == NewID() {
		t.Fatal("expected successive NewID calls to differ")
	}
}
