package protocol

import (
	"bytes"
	"testing"
)

func TestParseClientMessageSelectWorkflow(t *testing.T) {
	raw := []byte(`{"type":"select_workflow","workflowId":"banking"}`)
	msg := ParseClientMessage(raw, false)

	sel, ok := msg.(SelectWorkflow)
	if !ok {
		t.Fatalf("message type = %T, want SelectWorkflow", msg)
	}
	if sel.WorkflowID != "banking" {
		t.Fatalf("WorkflowID = %q, want %q", sel.WorkflowID, "banking")
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg := ParseClientMessage([]byte(`{"type":"ping"}`), false)
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}
}

func TestParseClientMessageUnknownTypeIsPassthrough(t *testing.T) {
	raw := []byte(`{"type":"wat","payload":"hello"}`)
	msg := ParseClientMessage(raw, false)

	opaque, ok := msg.(Passthrough)
	if !ok {
		t.Fatalf("message type = %T, want Passthrough", msg)
	}
	if !bytes.Equal(opaque.Data, raw) {
		t.Fatalf("passthrough data mutated: %q", opaque.Data)
	}
	if opaque.Binary {
		t.Fatalf("Binary = true, want false")
	}
}

func TestParseClientMessageBinaryIsPassthrough(t *testing.T) {
	frame := make([]byte, 3200)
	msg := ParseClientMessage(frame, true)

	opaque, ok := msg.(Passthrough)
	if !ok {
		t.Fatalf("message type = %T, want Passthrough", msg)
	}
	if !opaque.Binary || len(opaque.Data) != 3200 {
		t.Fatalf("unexpected passthrough: binary=%v len=%d", opaque.Binary, len(opaque.Data))
	}
}

func TestParseClientMessageMalformedJSONIsPassthrough(t *testing.T) {
	msg := ParseClientMessage([]byte(`{"type":`), false)
	if _, ok := msg.(Passthrough); !ok {
		t.Fatalf("message type = %T, want Passthrough", msg)
	}
}

func TestParseBackendMessageUpdateMemory(t *testing.T) {
	raw := []byte(`{"type":"update_memory","memory":{"verified":true,"accountNumber":"12345678"}}`)
	msg := ParseBackendMessage(raw, false)

	upd, ok := msg.(UpdateMemory)
	if !ok {
		t.Fatalf("message type = %T, want UpdateMemory", msg)
	}
	if upd.Memory["verified"] != true {
		t.Fatalf("Memory[verified] = %v, want true", upd.Memory["verified"])
	}
}

func TestParseBackendMessageHandoffRequest(t *testing.T) {
	raw := []byte(`{"type":"handoff_request","targetAgentId":"idv","context":{"reason":"balance check","lastUserMessage":"what is my balance"}}`)
	msg := ParseBackendMessage(raw, false)

	ho, ok := msg.(HandoffRequest)
	if !ok {
		t.Fatalf("message type = %T, want HandoffRequest", msg)
	}
	if ho.TargetAgentID != "idv" {
		t.Fatalf("TargetAgentID = %q, want %q", ho.TargetAgentID, "idv")
	}
	if ho.Reason() != "balance check" {
		t.Fatalf("Reason() = %q, want %q", ho.Reason(), "balance check")
	}
	if ho.IsReturn() {
		t.Fatalf("IsReturn() = true, want false")
	}
}

func TestParseBackendMessageReturnHandoff(t *testing.T) {
	raw := []byte(`{"type":"handoff_request","targetAgentId":"triage","context":{"isReturn":true,"summary":"balance provided"}}`)
	msg := ParseBackendMessage(raw, false)

	ho, ok := msg.(HandoffRequest)
	if !ok {
		t.Fatalf("message type = %T, want HandoffRequest", msg)
	}
	if !ho.IsReturn() {
		t.Fatalf("IsReturn() = false, want true")
	}
	if ho.Summary() != "balance provided" {
		t.Fatalf("Summary() = %q, want %q", ho.Summary(), "balance provided")
	}
	if ho.TaskCompleted() != true {
		t.Fatalf("TaskCompleted() = %v, want default true", ho.TaskCompleted())
	}
}

func TestParseBackendMessageHandoffWithoutContext(t *testing.T) {
	raw := []byte(`{"type":"handoff_request","targetAgentId":"ghost"}`)
	msg := ParseBackendMessage(raw, false)

	ho, ok := msg.(HandoffRequest)
	if !ok {
		t.Fatalf("message type = %T, want HandoffRequest", msg)
	}
	if ho.Context == nil {
		t.Fatalf("Context = nil, want initialized map")
	}
}

func TestParseBackendMessageAudioIsPassthrough(t *testing.T) {
	msg := ParseBackendMessage([]byte{0x52, 0x49, 0x46, 0x46}, true)
	opaque, ok := msg.(Passthrough)
	if !ok {
		t.Fatalf("message type = %T, want Passthrough", msg)
	}
	if !opaque.Binary {
		t.Fatalf("Binary = false, want true")
	}
}
