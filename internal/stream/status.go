package stream

// Status describes a connection's lifecycle state.
type Status int

const (
	// StatusIdle means no connection exists for the key.
	StatusIdle Status = iota
	// StatusConnecting covers dialing and waiting out a backoff delay.
	StatusConnecting
	// StatusOpen means the socket is established and reading.
	StatusOpen
	// StatusClosed means the connection was shut down gracefully.
	StatusClosed
	// StatusExhausted means reconnect attempts exceeded the maximum; no
	// further automatic retries happen until an explicit Connect.
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
