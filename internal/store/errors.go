package store

import "errors"

var (
	// ErrConflict indicates a compare-and-swap transition found a
	// different current status.
	ErrConflict = errors.New("status transition conflict")

	// ErrNotFound indicates the execution or workflow does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an id collision on create.
	ErrAlreadyExists = errors.New("already exists")
)
