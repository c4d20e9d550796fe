package remote

import "fmt"

// Frame is the JSON message exchanged over the stream endpoint. Requests
// carry ID; the server answers each with an "ack" frame of the same ID.
// Subscriptions are numbered by the client (Sub) and their deliveries arrive
// as "event" frames.
type Frame struct {
	ID      uint64         `json:"id,omitempty"`
	Op      string         `json:"op"`
	Path    string         `json:"path,omitempty"`
	Event   EventType      `json:"event,omitempty"`
	Sub     uint64         `json:"sub,omitempty"`
	Key     string         `json:"key,omitempty"`
	Value   any            `json:"value,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	OrderBy string         `json:"orderBy,omitempty"`
	EqualTo any            `json:"equalTo,omitempty"`
	Error   *RemoteError   `json:"error,omitempty"`
}

const (
	OpOn     = "on"
	OpOff    = "off"
	OpOnce   = "once"
	OpQuery  = "query"
	OpSet    = "set"
	OpUpdate = "update"
	OpRemove = "remove"
	OpPush   = "push"
	OpAck    = "ack"
	OpEvent  = "event"
)

type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
