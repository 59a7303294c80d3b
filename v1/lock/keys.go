package lock

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

// Ticket is a position in a lock's FIFO queue.
type Ticket uint64

const (
	maxNameLen     = 256
	ticketWidth    = 8
	counterSuffix  = "next"
	sentinelInfix  = "blocked"
	ownerInfix     = "owner"
	waitingPayload = "waiting"
)

// KeyKind classifies a key of a lock's key space.
type KeyKind int

const (
	KeyUnknown KeyKind = iota
	KeyCounter
	KeySentinel
	KeyOwner
)

func encodeTicket(t Ticket) []byte {
	b := make([]byte, ticketWidth)
	binary.LittleEndian.PutUint64(b, uint64(t))
	return b
}

func decodeTicket(b []byte) (Ticket, error) {
	if len(b) != ticketWidth {
		return 0, fmt.Errorf("%w: counter holds %d bytes, want %d", fairerrors.ErrProtocolViolation, len(b), ticketWidth)
	}
	return Ticket(binary.LittleEndian.Uint64(b)), nil
}

// DecodeCounter decodes a counter value read from the store.
func DecodeCounter(b []byte) (Ticket, error) {
	return decodeTicket(b)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", fairerrors.ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", fairerrors.ErrInvalidName, maxNameLen)
	}
	for _, r := range name {
		switch {
		case r == '.':
			return fmt.Errorf("%w: %q contains '.'", fairerrors.ErrInvalidName, name)
		case r == '*' || r == '?' || r == '[' || r == ']':
			return fmt.Errorf("%w: %q contains a glob character", fairerrors.ErrInvalidName, name)
		case unicode.IsSpace(r) || unicode.IsControl(r):
			return fmt.Errorf("%w: %q contains whitespace or control characters", fairerrors.ErrInvalidName, name)
		case r == unicode.ReplacementChar:
			return fmt.Errorf("%w: %q is not valid UTF-8", fairerrors.ErrInvalidName, name)
		}
	}
	return nil
}

// Prefix returns the prefix shared by every key of the lock.
func (m *Mutex) Prefix() string { return m.name + "." }

// CounterKey returns the key holding the next ticket to issue.
func (m *Mutex) CounterKey() string { return m.counter }

// SentinelKey returns the key whose existence means t is still queued.
func (m *Mutex) SentinelKey(t Ticket) string {
	return m.name + "." + sentinelInfix + "." + strconv.FormatUint(uint64(t), 10)
}

// OwnerKey returns the lease-bound key naming the session that holds t.
func (m *Mutex) OwnerKey(t Ticket) string {
	return m.name + "." + ownerInfix + "." + strconv.FormatUint(uint64(t), 10)
}

// ParseKey classifies a key of this lock's key space.
func (m *Mutex) ParseKey(key string) (KeyKind, Ticket, bool) {
	rest, ok := strings.CutPrefix(key, m.Prefix())
	if !ok {
		return KeyUnknown, 0, false
	}
	if rest == counterSuffix {
		return KeyCounter, 0, true
	}
	infix, num, ok := strings.Cut(rest, ".")
	if !ok {
		return KeyUnknown, 0, false
	}
	t, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return KeyUnknown, 0, false
	}
	switch infix {
	case sentinelInfix:
		return KeySentinel, Ticket(t), true
	case ownerInfix:
		return KeyOwner, Ticket(t), true
	}
	return KeyUnknown, 0, false
}
