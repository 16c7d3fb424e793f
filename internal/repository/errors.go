package repository

import "errors"

// Shared repository errors, mapped from driver errors by the implementations.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry means a write violated a unique constraint.
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
)

var (
	ErrUserNotFound   = ErrNotFound
	ErrRoomNotFound   = ErrNotFound
	ErrInviteNotFound = ErrNotFound
	ErrTariffNotFound = ErrNotFound
	ErrAssetNotFound  = ErrNotFound
)
