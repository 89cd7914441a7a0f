package protocol

import "errors"

// ErrProtocol wraps any parse/shape failure of an inbound frame. Sessions
// that receive it close with CloseProtocolError.
var ErrProtocol = errors.New("protocol")

// CloseCode is the WebSocket close code sent when a session terminates.
type CloseCode int

const (
	CloseProtocolError    CloseCode = 4001
	CloseAuthFailure      CloseCode = 4002
	CloseAuthTimeout      CloseCode = 4003
	CloseRateLimitExceeded CloseCode = 4008
	CloseSlowConsumer     CloseCode = 4009
	CloseRoomFull         CloseCode = 4010
	CloseRoomEnded        CloseCode = 4011
	ClosePermissionDenied CloseCode = 4012
)

func (c CloseCode) String() string {
	switch c {
	case CloseProtocolError:
		return "ProtocolError"
	case CloseAuthFailure:
		return "AuthFailure"
	case CloseAuthTimeout:
		return "AuthTimeout"
	case CloseRateLimitExceeded:
		return "RateLimitExceeded"
	case CloseSlowConsumer:
		return "SlowConsumer"
	case CloseRoomFull:
		return "RoomFull"
	case CloseRoomEnded:
		return "RoomEnded"
	case ClosePermissionDenied:
		return "PermissionDenied"
	default:
		return "Unknown"
	}
}
