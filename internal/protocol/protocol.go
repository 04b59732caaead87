package protocol

import "encoding/json"

const Version = "1"

// Message types.
const (
	TypeWelcome = "WELCOME"
	TypeFetch   = "FETCH"
	TypeWatch   = "WATCH"
	TypeUnwatch = "UNWATCH"
	TypeChunk   = "CHUNK"
	TypeDone    = "DONE"
	TypeError   = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
