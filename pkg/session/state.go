package session

// State is a step of the session life:
//
//	NEW -> NEGOTIATING -> CAPTURING -> CONNECTED -> CLOSING -> CLOSED
//
// A session that failed to acquire its resources goes to CLOSED directly.
type State int32

const (
	New State = iota
	Negotiating
	Capturing
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Negotiating:
		return "NEGOTIATING"
	case Capturing:
		return "CAPTURING"
	case Connected:
		return "CONNECTED"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
