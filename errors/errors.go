package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic         = fmt.Errorf("worker panic")
	ErrAuthorizationDenied = fmt.Errorf("target is not in the approved list")
	ErrUnknownTarget       = fmt.Errorf("unknown target")
	ErrSignalingFailure    = fmt.Errorf("transport rejected remote setup data")
	ErrTransportError      = fmt.Errorf("transport delivery failure")
	ErrConnectTimeout      = fmt.Errorf("connection establishment timed out")
	ErrSessionClosed       = fmt.Errorf("session closed")
	ErrInvalidEnvelope     = fmt.Errorf("invalid signal envelope")
	ErrInvalidMessage      = fmt.Errorf("invalid message")
	ErrRelayClosed         = fmt.Errorf("relay connection closed")
	ErrRateLimited         = fmt.Errorf("relay rate limit exceeded")
	ErrNotGroupCreator     = fmt.Errorf("only the group creator can do this")
	ErrNotGroupMember      = fmt.Errorf("user is not a member of the group")
	ErrPrivateGroup        = fmt.Errorf("group is private, an invitation is required")
	ErrRequestNotFound     = fmt.Errorf("friend request not found")
	ErrSelfRequest         = fmt.Errorf("cannot befriend yourself")
	ErrNotStarted          = fmt.Errorf("session manager not started")
	ErrLoggedOut           = fmt.Errorf("session manager logged out")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
