package service

import "errors"

// Business errors returned to the HTTP layer, which maps them onto status
// codes in one place.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomClosed           = errors.New("room is closed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrWrongPassword        = errors.New("wrong room password")
	ErrInvalidInviteCode    = errors.New("invalid or expired invite code")
	ErrNotRoomOwner         = errors.New("only the room owner may do this")
	ErrBanned               = errors.New("banned from this room")
	ErrInternalServer       = errors.New("internal server error")
)
