package signaling

// FrameKind distinguishes text and binary frames on the wire.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

// Frame is one opaque message on the client channel.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// CloseInfo describes why a transport ended.
type CloseInfo struct {
	Code   int
	Reason string
	// Clean is true when the peer sent a proper close frame (or we closed);
	// false for read errors and timeouts. A resumption marker is only written
	// for unclean disconnects.
	Clean bool
	Err   error
}

// Transport is a single duplex channel carrying framed messages. The gorilla
// adapter in this package is the production implementation; tests use an
// in-memory pipe.
type Transport interface {
	// Recv yields inbound frames. The channel is closed once the transport
	// ends; Done carries the reason.
	Recv() <-chan Frame

	// Send enqueues a frame without blocking. When the peer cannot keep up
	// and the queue is full, Send returns ErrSlowConsumer and the transport
	// starts closing. After the transport ended it returns ErrTransportClosed.
	Send(Frame) error

	// Close initiates shutdown with the given close code. Idempotent; only
	// the first call determines the code seen in Done.
	Close(code int, reason string)

	// Done delivers the close info and is then closed, so receives after
	// the first one return immediately with a zero CloseInfo. Recv is
	// closed before the info is delivered.
	Done() <-chan CloseInfo
}
