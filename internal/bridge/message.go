package bridge

// MessageKind is the type of an inbound application message.
type MessageKind int

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
	PingMessage
	PongMessage
	CloseMessage
)

// Message is one frame received from the client.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Wire responses.
const (
	StatusUp    = "OK: UP"
	StatusDown  = "OK: DOWN"
	listPrefix  = "LIST: "
	errorPrefix = "ERROR: "
)

// Peer is the client end of a session as seen by the bridge. Send methods
// queue a frame and must be safe for concurrent use.
type Peer interface {
	SendText(text string) error
	SendBinary(p []byte) error
	SendPong(payload []byte) error
	// Touch records client activity for liveness tracking.
	Touch()
}

// Recorder receives every byte that crosses the bridge. Direction is "tx"
// for client to device and "rx" for device to client.
type Recorder interface {
	Record(direction string, p []byte)
}

// ErrorText formats err as a wire error response.
func ErrorText(err error) string {
	return errorPrefix + err.Error()
}
