package domain

import "errors"

var (
	ErrMissingFields   = errors.New("missing required fields")
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrBlockedInbound  = errors.New("channel blocks inbound attendance")
	ErrInFlight        = errors.New("held by another consumer")
)
