package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrKeyNotFound reports a key that is not resident.
	ErrKeyNotFound = errors.New("keep: key not found")
	// ErrKeyExpired reports a key that was resident but whose expiry has passed.
	ErrKeyExpired = errors.New("keep: key expired")
	// ErrInvalidArgument rejects a malformed key or value before any state changes.
	ErrInvalidArgument = errors.New("keep: invalid argument")
	// ErrPersistence wraps I/O failures of the persistence log.
	ErrPersistence = errors.New("keep: persistence failure")
	// ErrQueueFull is returned by non-blocking submissions when a partition is saturated.
	ErrQueueFull = errors.New("keep: queue full")
	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("keep: closed")
)
