package session

import "fmt"

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Running
	Capturing
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// live reports whether the session graph is attached and serving.
func (s State) live() bool {
	return s == Running || s == Capturing
}
