package observability

import "time"

const (
	RoutingKeyWSEvents = "ws_events.chats"

	EventWSConnect    = "ws_connect"
	EventWSDisconnect = "ws_disconnect"
	EventWSRejected   = "ws_rejected"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	RequestID  string      `json:"request_id,omitempty"`
	TraceID    string      `json:"trace_id,omitempty"`
	Payload    interface{} `json:"payload"`
}

// WSPayload describes one websocket lifecycle transition.
type WSPayload struct {
	ChatID     int64  `json:"chat_id"`
	ConnID     string `json:"conn_id"`
	UserID     int64  `json:"user_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason,omitempty"`
}

func NewWSEnvelope(name, requestID, traceID string, payload WSPayload) EventEnvelope {
	return EventEnvelope{
		EventType:  "ws_events",
		EventName:  name,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  requestID,
		TraceID:    traceID,
		Payload:    payload,
	}
}
