package websocket

import (
	"time"
)

// Connection abstracts the underlying websocket connection so the
// pumps can be tested against a fake.
type Connection interface {
	// WriteMessage writes one frame of the given message type.
	WriteMessage(messageType int, data []byte) error

	// ReadMessage reads the next frame.
	ReadMessage() (messageType int, p []byte, err error)

	// Close closes the connection.
	Close() error

	// SetReadDeadline sets the read deadline.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline.
	SetWriteDeadline(t time.Time) error

	// SetReadLimit caps the inbound message size.
	SetReadLimit(limit int64)

	// SetPongHandler installs the pong callback.
	SetPongHandler(h func(string) error)

	// RemoteAddr reports the peer address.
	RemoteAddr() string
}
