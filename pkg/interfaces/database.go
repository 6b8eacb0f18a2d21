package interfaces

import (
	"context"

	"roomrelay/pkg/types"
)

// MessageSink persists chat messages. It is the only write path from the messaging layer.
type MessageSink interface {
	StoreMessage(ctx context.Context, roomID string, message *types.Message) error
}

// RoomChecker answers whether a room exists and accepts connections.
// Rooms are created elsewhere; the messaging layer only references them.
type RoomChecker interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
}
