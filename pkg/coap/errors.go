package coap

import "errors"

// Agent errors.
var (
	// ErrAgentClosed is the terminal error of exchanges still pending when
	// the Agent is closed, and is returned by calls made after Close.
	ErrAgentClosed = errors.New("coap: agent closed")

	// ErrCanceled is the terminal error of an exchange abandoned with Cancel.
	ErrCanceled = errors.New("coap: exchange canceled")

	// ErrNoResponse is returned by Wait on a multicast exchange whose
	// collection window closed without any response.
	ErrNoResponse = errors.New("coap: no response")

	// ErrStreamClosed is returned by Stream.Next once the stream ended and
	// every queued notification was consumed.
	ErrStreamClosed = errors.New("coap: stream closed")

	// ErrSubscriptionExpired ends an observe stream whose last notification
	// outlived its Max-Age without a fresh one.
	ErrSubscriptionExpired = errors.New("coap: subscription expired")

	// ErrInvalidRequest is returned by Send for nil or non-request messages.
	ErrInvalidRequest = errors.New("coap: message is not a request")

	// ErrAlreadyResponded is returned by a second Respond on the same request.
	ErrAlreadyResponded = errors.New("coap: request already answered")

	// ErrNotObserving is returned by Notify when the client is no longer
	// registered as an observer.
	ErrNotObserving = errors.New("coap: client is not observing")

	// ErrNoSocket is returned when a message must be sent while the Agent
	// has no open socket.
	ErrNoSocket = errors.New("coap: no open socket")

	// ErrTokenSpace is returned when no unused token could be allocated.
	ErrTokenSpace = errors.New("coap: token space exhausted")
)
