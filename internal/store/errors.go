package store

import "errors"

var (
	ErrServiceNotFound     = errors.New("service not found")
	ErrCounterNotFound     = errors.New("counter not found")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrInvalidState        = errors.New("invalid ticket state")
	ErrConstraintViolation = errors.New("constraint violation")
)
