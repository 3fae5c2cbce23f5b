package domain

import "errors"

var (
	// ErrDuplicateLogin is returned when a login names an id that is
	// already bound to a live session, or when the session is already
	// logged in. Rejected, never treated as a no-op.
	ErrDuplicateLogin = errors.New("user id already logged in")

	// ErrInvalidUserID rejects a login for the zero id, which the
	// directory reserves to mean "not logged in".
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrUnknownUser means a directory lookup found no live session.
	ErrUnknownUser = errors.New("unknown user")

	// ErrNotLoggedIn is returned for join/leave/directed sends before
	// a successful login on the same session.
	ErrNotLoggedIn = errors.New("login required")

	// ErrCaptureUnavailable aborts a pending offer/answer when the
	// local media capture cannot be acquired.
	ErrCaptureUnavailable = errors.New("local capture unavailable")

	// ErrDescriptionApply means a remote description was malformed or
	// incompatible; the affected peer session is torn down.
	ErrDescriptionApply = errors.New("description apply failed")

	// ErrTransportClosed means the signaling channel is gone.
	ErrTransportClosed = errors.New("transport closed")

	// ErrPeerClosed is returned for operations on a peer session that
	// already reached its terminal state.
	ErrPeerClosed = errors.New("peer session closed")
)
