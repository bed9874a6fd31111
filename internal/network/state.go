package network

// State is the lifecycle position of a stream connection.
type State int32

const (
	StateAwaitingTag State = iota
	StateHandshaking
	StateStreaming
	StateClosed
)

var stateStrings = map[State]string{
	StateAwaitingTag: "awaiting_tag",
	StateHandshaking: "handshaking",
	StateStreaming:   "streaming",
	StateClosed:      "closed",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "streaming").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
