package interfaces

import (
	"context"

	"roomrelay/pkg/types"
)

// AnalysisRequest carries one room message to the background analysis hook.
type AnalysisRequest struct {
	RoomID  string
	Message *types.Message
}

// AnalysisHook inspects a room message after it has been delivered.
// A nil reply means nothing should be posted back to the room.
type AnalysisHook interface {
	Analyze(ctx context.Context, req AnalysisRequest) (*types.Message, error)
}

// Broadcaster fans a message out to every member of a room and reports how many
// members it was queued for.
type Broadcaster interface {
	Broadcast(roomID string, message *types.Message) int
}

// AnalysisDispatcher schedules analysis without blocking the caller. It reports
// whether the request was accepted for processing.
type AnalysisDispatcher interface {
	Dispatch(req AnalysisRequest) bool
}
