package websocket

import (
	"encoding/json"

	"golang.org/x/exp/slog"

	"roomrelay/pkg/types"
)

// Broadcaster delivers room messages to every member registered at call time.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger,
	}
}

// Broadcast serializes message once and queues it for each member of roomID.
// Members whose send fails are unregistered and the rest still receive the
// message. It returns the number of members the message was queued for; an empty
// room yields zero and is not an error.
func (b *Broadcaster) Broadcast(roomID string, message *types.Message) int {
	if message == nil {
		return 0
	}

	data, err := json.Marshal(message)
	if err != nil {
		b.logger.Error("failed to marshal room message",
			slog.String("room_id", roomID),
			slog.Any("error", err))
		return 0
	}

	// The membership lock is held only while copying; sends happen outside it.
	members := b.registry.Snapshot(roomID)

	delivered := 0
	for _, conn := range members {
		if err := conn.Send(data); err != nil {
			b.registry.Unregister(roomID, conn)
			b.logger.Debug("dropped dead connection during broadcast",
				slog.String("room_id", roomID),
				slog.String("connection_id", conn.ID()),
				slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}
