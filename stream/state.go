package stream

// State is the connection lifecycle stage of a Session.
type State int32

// Lifecycle states, in connection order. Reading self-loops on message
// arrival; any transport error from any state moves to Failed.
const (
	Disconnected State = iota
	Resolving
	Connecting
	SecuringTransport
	ProtocolHandshake
	Subscribed
	Reading
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case SecuringTransport:
		return "securing-transport"
	case ProtocolHandshake:
		return "protocol-handshake"
	case Subscribed:
		return "subscribed"
	case Reading:
		return "reading"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
