// Package websocket implements the real-time pub/sub hub that pushes job
// lifecycle events to connected dashboard clients. It uses gorilla/websocket
// under the hood and exposes a topic-based broadcast API consumed by the
// event listener.
//
// Topic naming convention:
//
//	job:<uuid>     — progress and status updates for a specific export job
//	tenant:<uuid>  — account-level events for a tenant (all its jobs)
package websocket

// MessageType identifies the kind of event carried by a Message.
// The dashboard uses this field to route the payload to the correct store
// update.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (QUEUED → PROCESSING → COMPLETED | FAILED).
	MsgJobStatus MessageType = "job.status"

	// MsgJobProgress is sent on each coarse progress step (25/50/75/100).
	MsgJobProgress MessageType = "job.progress"

	// MsgPing is sent by the hub periodically to keep the connection alive
	// and let the client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The dashboard deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"job.progress","topic":"job:018f...","payload":{"progress":50}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:   {"status":"COMPLETED","completed_at":"..."}
	//   - job.progress: {"progress":50}
	//   - ping:         {} (empty)
	Payload any `json:"payload"`
}
