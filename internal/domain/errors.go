package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrConflict     = errors.New("resource already exists")
	ErrValidation   = errors.New("invalid input")
	ErrStorage      = errors.New("storage failure")

	// Connection lifecycle errors. None of them are fatal to the connection.
	ErrAlreadyBound     = errors.New("connection already bound to a user")
	ErrConnectionClosed = errors.New("connection is closed")
	ErrNotBound         = errors.New("connection has not joined")
)
