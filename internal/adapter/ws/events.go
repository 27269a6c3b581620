package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventInstanceProvisioning = "instance.provisioning"
	EventInstanceRunning      = "instance.running"
	EventInstanceTerminated   = "instance.terminated"
	EventInstanceReaped       = "instance.reaped"
)

// InstanceEvent is broadcast when an instance changes lifecycle state.
type InstanceEvent struct {
	CorrelationID string `json:"correlation_id"`
	Port          int    `json:"port,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and
// broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
