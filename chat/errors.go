package chat

import "errors"

var (
	// ErrAuthMissing is returned when connecting without a credential token.
	ErrAuthMissing = errors.New("auth missing: empty credential token")
	// ErrAuthRejected is returned when the server refuses the credential token.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrTransportDropped reports a lost transport, recovered by reconnecting.
	ErrTransportDropped = errors.New("transport dropped")

	ErrHistoryUnavailable   = errors.New("history unavailable")
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrQueueOverflow reports that the oldest pending send was dropped to make room.
	ErrQueueOverflow = errors.New("pending send queue overflow")
	// ErrDeliveryExpired reports a pending send discarded after too long or too many attempts.
	ErrDeliveryExpired = errors.New("delivery expired")
	// ErrDeliveryRejected reports a send refused by the server.
	ErrDeliveryRejected = errors.New("delivery rejected")

	ErrNoActiveConversation = errors.New("no active conversation")
	ErrUnknownContact       = errors.New("unknown contact")
	ErrEmptyContent         = errors.New("empty content")
	ErrSessionClosed        = errors.New("session closed")
)

// isFatal tells whether err ends the connection for good.
func isFatal(err error) bool {
	return errors.Is(err, ErrAuthMissing) || errors.Is(err, ErrAuthRejected)
}
