package models

import (
	"testing"
)

func TestDecodeToolCall(t *testing.T) {
	c, err := DecodeToolCall([]byte(`{"invocation_id":"inv-1","tool_name":"research.web_search","arguments":{"query":"go"},"user_id":"u1"}`))
	if err != nil {
		t.Fatalf("DecodeToolCall() error = %v", err)
	}
	if c.ToolName != "research.web_search" {
		t.Errorf("ToolName = %q", c.ToolName)
	}
	if c.Arguments["query"] != "go" {
		t.Errorf("Arguments[query] = %v", c.Arguments["query"])
	}
}

func TestDecodeToolCall_MissingName(t *testing.T) {
	_, err := DecodeToolCall([]byte(`{"arguments":{}}`))
	if err == nil {
		t.Fatal("expected error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if ve.Field != "tool_name" {
		t.Errorf("Field = %q, want tool_name", ve.Field)
	}
}

func TestDecodeToolCall_NilArguments(t *testing.T) {
	c, err := DecodeToolCall([]byte(`{"tool_name":"a.b"}`))
	if err != nil {
		t.Fatalf("DecodeToolCall() error = %v", err)
	}
	if c.Arguments == nil {
		t.Error("Arguments should be initialized")
	}
}

func TestDecodeToolResult_FailureWithoutError(t *testing.T) {
	r, err := DecodeToolResult([]byte(`{"tool_name":"a.b","success":false}`))
	if err != nil {
		t.Fatalf("DecodeToolResult() error = %v", err)
	}
	if r.Error == "" {
		t.Error("failed result should carry an error string")
	}
}

func TestDecodeNotification(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"platform":"telegram","channel":"c1","content":"done","kind":"job_success","ref":"job-1"}`))
	if err != nil {
		t.Fatalf("DecodeNotification() error = %v", err)
	}
	if n.Type != "notification" {
		t.Errorf("Type = %q, want notification", n.Type)
	}
	if n.Kind != KindJobSuccess {
		t.Errorf("Kind = %q", n.Kind)
	}

	if _, err := DecodeNotification([]byte(`{"platform":"telegram","channel":"c1","content":"x","kind":"party"}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDecodeJob_Defaults(t *testing.T) {
	j, err := DecodeJob([]byte(`{"id":"j1","user_id":"u1","job_type":"delay","check_config":{"delay_seconds":60}}`))
	if err != nil {
		t.Fatalf("DecodeJob() error = %v", err)
	}
	if j.OnComplete != CompleteNotify {
		t.Errorf("OnComplete = %q, want notify", j.OnComplete)
	}

	if _, err := DecodeJob([]byte(`{"id":"j1","user_id":"u1","job_type":"quantum"}`)); err == nil {
		t.Error("expected error for unknown job type")
	}
}

func TestIsValidation(t *testing.T) {
	if !IsValidation(&ValidationError{Field: "x", Reason: "required"}) {
		t.Error("IsValidation should match *ValidationError")
	}
	if IsValidation(nil) {
		t.Error("IsValidation(nil) should be false")
	}
}
