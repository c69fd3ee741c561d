package escalation

import "github.com/voundbrand/vc83-com-sub003/internal/store"

// DeliveryState is what a session looks like to a caller waiting for a
// reply. It is derived, never stored.
type DeliveryState string

const (
	DeliveryBlocked DeliveryState = "blocked"
	DeliveryFailed  DeliveryState = "failed"
	DeliveryRunning DeliveryState = "running"
	DeliveryQueued  DeliveryState = "queued"
	DeliveryDone    DeliveryState = "done"
)

// DeriveDeliveryState applies a fixed precedence: anything blocking the
// session wins, then the latest turn's state, then the session lifecycle.
// turnState is empty when the session has no turns yet.
func DeriveDeliveryState(sessionStatus, escalationStatus string, turnState store.TurnState) DeliveryState {
	switch {
	case sessionStatus == store.SessionHandedOff,
		escalationStatus == StatusPending,
		escalationStatus == StatusTakenOver,
		turnState == store.TurnSuspended:
		return DeliveryBlocked
	case turnState == store.TurnFailed:
		return DeliveryFailed
	case turnState == store.TurnRunning:
		return DeliveryRunning
	case turnState == store.TurnQueued:
		return DeliveryQueued
	case turnState == store.TurnCompleted,
		turnState == store.TurnCancelled,
		sessionStatus == store.SessionClosed,
		sessionStatus == store.SessionExpired:
		return DeliveryDone
	default:
		return DeliveryQueued
	}
}

// Blocks reports whether the escalation status short-circuits the pipeline.
func Blocks(escalationStatus string) bool {
	return escalationStatus == StatusPending || escalationStatus == StatusTakenOver
}
