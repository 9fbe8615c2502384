package models

// Message types exchanged between the agent and foreground surfaces.
const (
	MessageQueueFlushed = "QUEUE_FLUSHED"
	MessageFlushQueue   = "FLUSH_QUEUE"
	MessageRevalidate   = "REVALIDATE"
)

// QueuedAck is the synthetic body returned in place of a response when a
// write was queued for later delivery.
type QueuedAck struct {
	Queued         bool   `json:"queued"`
	QueueID        string `json:"queueId"`
	QueueTimestamp int64  `json:"queueTimestamp"`
}

// FlushEntry identifies one operation delivered during a drain pass.
type FlushEntry struct {
	QueueID        string `json:"queueId"`
	QueueTimestamp int64  `json:"queueTimestamp"`
}

// FlushMessage is broadcast once per drain pass that delivered anything.
type FlushMessage struct {
	Type    string       `json:"type"`
	Entries []FlushEntry `json:"entries"`
}

// NewFlushMessage builds a QUEUE_FLUSHED message.
func NewFlushMessage(entries []FlushEntry) FlushMessage {
	return FlushMessage{Type: MessageQueueFlushed, Entries: entries}
}

// Signal is a payload-free control message (wake, revalidate).
type Signal struct {
	Type string `json:"type"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Delivered lists operations replayed successfully, in replay order.
	Delivered []FlushEntry `json:"delivered"`
	// DeadLettered lists queue ids parked after a permanent rejection.
	DeadLettered []string `json:"deadLettered,omitempty"`
	// Remaining is the number of operations still queued after the pass.
	Remaining int `json:"remaining"`
	// Halted is set when the pass stopped early on a failed replay.
	Halted bool `json:"halted"`
	// Reason describes why the pass halted.
	Reason string `json:"reason,omitempty"`
}
