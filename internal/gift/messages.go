package gift

import "encoding/json"

const (
	MessageTypeSnapshot = "gift_snapshot"
	MessageTypeUpdate   = "gift_update"
	MessageTypeResult   = "gift_result"
)

// Message is the envelope streamed to auction subscribers.
type Message struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

func encodeMessage(messageType string, state State) ([]byte, error) {
	return json.Marshal(Message{Type: messageType, State: state})
}
