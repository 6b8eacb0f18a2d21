package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full, peer is not keeping up")
)

// Registry-related errors
var (
	ErrNilConnection         = errors.New("connection cannot be nil")
	ErrInvalidRoom           = errors.New("room ID cannot be empty")
	ErrConnectionInOtherRoom = errors.New("connection is already registered in another room")
)
