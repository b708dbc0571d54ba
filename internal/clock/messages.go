package clock

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
)

const (
	MessageTypeSnapshot     = "snapshot"
	MessageTypeTick         = "tick"
	MessageTypeTriviaResult = "trivia_result"
)

type snapshotMessage struct {
	Type         string         `json:"type"`
	State        State          `json:"state"`
	LatestResult *trivia.Result `json:"latestResult"`
}

type tickMessage struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

type resultMessage struct {
	Type   string        `json:"type"`
	Result trivia.Result `json:"result"`
}

func encodeSnapshot(state State, latest *trivia.Result) ([]byte, error) {
	return json.Marshal(snapshotMessage{Type: MessageTypeSnapshot, State: state, LatestResult: latest})
}

func encodeTick(state State) ([]byte, error) {
	return json.Marshal(tickMessage{Type: MessageTypeTick, State: state})
}

func encodeResult(result trivia.Result) ([]byte, error) {
	return json.Marshal(resultMessage{Type: MessageTypeTriviaResult, Result: result})
}
