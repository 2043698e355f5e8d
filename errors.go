package okxus

import "errors"

var (
	// ErrDial wraps transport construction and open failures returned by Connect.
	ErrDial = errors.New("okxus: failed to open connection")

	// ErrClosedBeforeAuth is returned by Connect when the transport closes
	// before the bridge answers the handshake.
	ErrClosedBeforeAuth = errors.New("okxus: connection closed before authentication")

	// ErrSuperseded is returned by Connect when a later Connect or Disconnect
	// replaced the cycle it was waiting on.
	ErrSuperseded = errors.New("okxus: connection attempt superseded")

	// ErrNotConnected is returned by ChatSession.Send while the channel is down.
	ErrNotConnected = errors.New("okxus: not connected")

	ErrEmptyMessage = errors.New("okxus: message is empty")

	// ErrMissingSettings is returned when a bridge URL or token is required
	// but empty.
	ErrMissingSettings = errors.New("okxus: bridge url and token are required")
)

// defaultAuthFailure is used when the bridge rejects the token without a reason.
const defaultAuthFailure = "authentication failed"

// AuthError is returned by Connect when the bridge rejects the token.
// Its message is the reason supplied by the bridge.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return defaultAuthFailure
	}
	return e.Reason
}

// IsAuthError reports whether err is a handshake rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
