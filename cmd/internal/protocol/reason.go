package protocol

import "strconv"

// DisconnectReason is the status code a connection closed with.
type DisconnectReason int

const (
	ReasonLoggedOut           DisconnectReason = 401
	ReasonForbidden           DisconnectReason = 403
	ReasonConnectionLost      DisconnectReason = 408
	ReasonTimedOut            DisconnectReason = 408
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonBadSession          DisconnectReason = 500
	ReasonUnavailable         DisconnectReason = 503
	ReasonRestartRequired     DisconnectReason = 515
)

// Retryable reports whether a reconnect can succeed without operator action.
func (r DisconnectReason) Retryable() bool {
	switch r {
	case ReasonLoggedOut, ReasonForbidden, ReasonBadSession:
		return false
	default:
		return true
	}
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "loggedOut"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionLost:
		return "connectionLost"
	case ReasonMultideviceMismatch:
		return "multideviceMismatch"
	case ReasonConnectionClosed:
		return "connectionClosed"
	case ReasonConnectionReplaced:
		return "connectionReplaced"
	case ReasonBadSession:
		return "badSession"
	case ReasonUnavailable:
		return "unavailableService"
	case ReasonRestartRequired:
		return "restartRequired"
	case 0:
		return "unknown"
	default:
		return "status_" + strconv.Itoa(int(r))
	}
}
