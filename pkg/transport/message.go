package transport

import "net"

// ReceivedMessage is one datagram as read from the socket.
// Data holds the raw CoAP bytes; decoding is left to higher layers.
type ReceivedMessage struct {
	// Data contains the raw datagram bytes. The slice is owned by the receiver.
	Data []byte
	// Addr is the sender's address.
	Addr net.Addr
}

// MessageHandler is called for each received datagram.
// Implementations should hand the datagram off quickly to avoid blocking
// the transport's read loop.
type MessageHandler func(msg *ReceivedMessage)

// ErrorHandler is called once when the read loop stops because of a
// socket failure (not because of Stop).
type ErrorHandler func(err error)
