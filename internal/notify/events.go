package notify

import "github.com/erenaydin/futuresbot/internal/domain"

// Event types used for notification filtering. Operators list the types they
// want in the config; everything else is dropped by the Notifier.
const (
	EventPositionOpened = "position_opened"
	EventPartialExit    = "partial_exit"
	EventPositionClosed = "position_closed"
	EventGhostDetected  = "ghost_detected"
	EventPriceStale     = "price_stale"
	EventSignalRejected = "signal_rejected"
	EventStartup        = "startup"
)

// EventForExit maps an exit kind to its notification event type.
func EventForExit(kind domain.ExitKind) string {
	switch kind {
	case domain.ExitPartialTP1:
		return EventPartialExit
	case domain.ExitExternal:
		return EventGhostDetected
	default:
		return EventPositionClosed
	}
}
