// Package protocol defines the gateway's control-message vocabulary as a
// closed sum type. Anything outside the vocabulary, including raw binary
// audio, is an explicit Passthrough variant rather than a parse-failure
// artifact.
package protocol

import "encoding/json"

// MessageType identifies control payload variants.
type MessageType string

const (
	// Client → gateway.
	TypeSelectWorkflow MessageType = "select_workflow"
	TypePing           MessageType = "ping"

	// Gateway → client.
	TypeConnected MessageType = "connected"
	TypePong      MessageType = "pong"
	TypeError     MessageType = "error"

	// Gateway → backend.
	TypeSessionInit MessageType = "session_init"

	// Backend → gateway, intercepted and never forwarded.
	TypeUpdateMemory   MessageType = "update_memory"
	TypeHandoffRequest MessageType = "handoff_request"
)

type envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is the closed set of things a client can send.
type ClientMessage interface{ clientMessage() }

// BackendMessage is the closed set of things a backend can send.
type BackendMessage interface{ backendMessage() }

// SelectWorkflow chooses the initial workflow for a session.
type SelectWorkflow struct {
	Type       MessageType `json:"type"`
	WorkflowID string      `json:"workflowId"`
}

// Ping is answered locally by the gateway and never reaches a backend.
type Ping struct {
	Type MessageType `json:"type"`
}

// Passthrough is traffic outside the control vocabulary, relayed verbatim.
type Passthrough struct {
	Data   []byte
	Binary bool
}

// Connected is the gateway's first message on every client connection.
type Connected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
}

// Pong answers a client Ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorMessage surfaces a routing failure to the client.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// SessionInit replays accumulated session memory to a newly wired backend.
type SessionInit struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	TraceID   string         `json:"traceId"`
	Memory    map[string]any `json:"memory"`
}

// UpdateMemory merges backend-provided keys into session memory.
type UpdateMemory struct {
	Type   MessageType    `json:"type"`
	Memory map[string]any `json:"memory"`
}

// HandoffRequest asks the gateway to re-point the session at another agent.
type HandoffRequest struct {
	Type          MessageType    `json:"type"`
	TargetAgentID string         `json:"targetAgentId"`
	Context       map[string]any `json:"context"`
}

func (SelectWorkflow) clientMessage() {}
func (Ping) clientMessage()           {}
func (Passthrough) clientMessage()    {}

func (UpdateMemory) backendMessage()   {}
func (HandoffRequest) backendMessage() {}
func (Passthrough) backendMessage()    {}

// Reason returns the free-text handoff reason, if any.
func (h HandoffRequest) Reason() string { return stringField(h.Context, "reason") }

// LastUserMessage returns the user utterance that triggered the handoff.
func (h HandoffRequest) LastUserMessage() string { return stringField(h.Context, "lastUserMessage") }

// Summary returns the completed-task summary carried on a return handoff.
func (h HandoffRequest) Summary() string { return stringField(h.Context, "summary") }

// IsReturn reports whether this is a return to a previous agent after task
// completion.
func (h HandoffRequest) IsReturn() bool {
	v, ok := h.Context["isReturn"].(bool)
	return ok && v
}

// TaskCompleted returns the completed-task marker, defaulting to true on a
// return handoff that omits it.
func (h HandoffRequest) TaskCompleted() any {
	if v, ok := h.Context["taskCompleted"]; ok {
		return v
	}
	return true
}

// ParseClientMessage classifies one client frame. Malformed or unknown
// payloads degrade to Passthrough; only select_workflow and ping are
// gateway business.
func ParseClientMessage(raw []byte, binary bool) ClientMessage {
	opaque := Passthrough{Data: raw, Binary: binary}
	if binary {
		return opaque
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opaque
	}
	switch env.Type {
	case TypeSelectWorkflow:
		var msg SelectWorkflow
		if err := json.Unmarshal(raw, &msg); err != nil {
			return opaque
		}
		return msg
	case TypePing:
		return Ping{Type: TypePing}
	default:
		return opaque
	}
}

// ParseBackendMessage classifies one backend frame the same way.
func ParseBackendMessage(raw []byte, binary bool) BackendMessage {
	opaque := Passthrough{Data: raw, Binary: binary}
	if binary {
		return opaque
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opaque
	}
	switch env.Type {
	case TypeUpdateMemory:
		var msg UpdateMemory
		if err := json.Unmarshal(raw, &msg); err != nil {
			return opaque
		}
		return msg
	case TypeHandoffRequest:
		var msg HandoffRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return opaque
		}
		if msg.Context == nil {
			msg.Context = map[string]any{}
		}
		return msg
	default:
		return opaque
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
