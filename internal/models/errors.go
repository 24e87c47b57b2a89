package models

import "errors"

var (
	// ErrNotFound indicates a referenced room, invite, message or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor lacks the relationship required for the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState indicates the entity's current state does not allow the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrExpired indicates a pending invite passed its deadline and was marked expired.
	ErrExpired = errors.New("expired")
	// ErrInvalidInput indicates malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)
