package server

import "errors"

// errClosed signals a clean, intentional end of the connection's read loop
// (a WebSocket closing handshake completed); callers treat it like io.EOF.
var errClosed = errors.New("server: connection closed")

func errProtocol(msg string) error {
	return errors.New("server: protocol error: " + msg)
}
