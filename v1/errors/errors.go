package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidName is returned when a lock name cannot be mapped onto the key space.
	ErrInvalidName = errors.New("fairlock: invalid lock name")
	// ErrProtocolViolation signals a key space state the lock protocol never produces.
	ErrProtocolViolation = errors.New("fairlock: lock protocol violation")
	// ErrWatchBroken is returned when a watch stream could not be re-established.
	ErrWatchBroken = errors.New("fairlock: lock protocol broken: watch stream lost")
	// ErrRetriesExhausted is returned when ticket allocation hit its retry bound.
	ErrRetriesExhausted = errors.New("fairlock: ticket allocation retries exhausted")
	ErrNotHeld          = errors.New("fairlock: lock not held")
	// ErrNotOwner is returned when releasing a ticket this session does not own.
	ErrNotOwner  = errors.New("fairlock: ticket not owned by session")
	ErrLocked    = errors.New("fairlock: lock is held")
	ErrReentrant = errors.New("fairlock: lock already acquired by this session")

	ErrSessionClosed = errors.New("fairlock: session closed")
	ErrLeaseExpired  = errors.New("fairlock: session lease expired")
	ErrLeaseNotFound = errors.New("fairlock: lease not found")

	ErrIllegalTransition = errors.New("fairlock: illegal state transition")
	ErrNotLeader         = errors.New("fairlock: node is not the raft leader")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)
