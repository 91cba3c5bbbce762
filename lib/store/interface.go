package store

import (
	"errors"
	"fmt"
)

// MaxKeyLength is the largest accepted key in bytes.
const MaxKeyLength = 1024

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Op is the operation of an entry. The numeric values are part of the wire
// format.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o <= OpDelete
}

// Entry is a sequenced write of the log of one group.
//
// Seq is assigned once by the leader and never changes. Prev is the sequence
// of the entry preceding it in the log of the group (0 for the first entry),
// so a follower can detect gaps even when the sequence domain is shared by
// several groups.
type Entry struct {
	Key       string
	Op        Op
	Seq       uint64
	Prev      uint64
	Payload   []byte
	TxnID     string
	Timestamp int64
}

// Snapshot is the full materialized state of a store at HighWater.
type Snapshot struct {
	HighWater uint64
	Data      map[string][]byte
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the durable log and materialized index of one group on one node.
//
// All methods are safe for concurrent use. Append serializes writers: the
// log is appended strictly in sequence order.
type IStore interface {
	// Append appends entries in order. Entries with Seq <= HighWater are
	// skipped (idempotent re-delivery). An entry whose Prev differs from the
	// current high-water mark fails with *GapError; entries before it are
	// kept. Read entries are rejected. Returns the new high-water mark.
	Append(entries ...Entry) (highWater uint64, err error)
	// Get returns the current value of a key.
	Get(key string) (value []byte, found bool, err error)
	// Has reports whether a key currently exists.
	Has(key string) (bool, error)
	// HighWater returns the sequence of the last appended entry (0 if none).
	HighWater() uint64
	// LogStart returns the sequence up to which the log was compacted.
	// Entries with Seq <= LogStart are only available through Snapshot.
	LogStart() uint64
	// Range returns up to limit entries with from < Seq <= to in order
	// (to == 0 means no upper bound, limit <= 0 means no limit). It fails
	// with ErrCompacted if from < LogStart.
	Range(from, to uint64, limit int) ([]Entry, error)
	// Snapshot returns the materialized state at the current high-water mark.
	Snapshot() (Snapshot, error)
	// Restore replaces the whole state (log and index) with the snapshot.
	Restore(snap Snapshot) error
	// Compact drops log entries with Seq <= upTo. The index is not affected.
	Compact(upTo uint64) error
	// Close releases all resources.
	Close() error
}

// Factory creates a store for one group.
type Factory func(group uint64) (IStore, error)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// Error is a store error carrying a return code that maps onto the response
// status of the wire protocol.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("store error (%s): %s", e.Code, e.Msg)
}

// Is matches errors by code, so that wrapped copies match the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// RetCode classifies store errors.
type RetCode uint64

const (
	RetCInternalError    RetCode = iota + 1 // 1: internal failure
	RetCInvalidKey                          // 2: malformed key
	RetCInvalidOperation                    // 3: operation not permitted in the current state
	RetCCompacted                           // 4: requested log range was compacted
)

func (c RetCode) String() string {
	switch c {
	case RetCInternalError:
		return "internal"
	case RetCInvalidKey:
		return "invalid key"
	case RetCInvalidOperation:
		return "invalid operation"
	case RetCCompacted:
		return "compacted"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidKey is returned for empty keys or keys longer than MaxKeyLength.
	ErrInvalidKey = NewError(RetCInvalidKey, "invalid key")
	// ErrKeyNotFound is returned when a delete targets a missing key.
	ErrKeyNotFound = NewError(RetCInvalidOperation, "key not found")
	// ErrInvalidOp is returned for unknown operations and for read entries
	// passed to Append.
	ErrInvalidOp = NewError(RetCInvalidOperation, "invalid operation")
	// ErrCompacted is returned by Range for ranges below LogStart.
	ErrCompacted = NewError(RetCCompacted, "log range compacted")
)

// GapError is returned by Append when an entry does not directly follow the
// current high-water mark.
type GapError struct {
	HighWater uint64
	Entry     Entry
}

func (e *GapError) Error() string {
	return fmt.Sprintf("store: gap before seq %d (prev %d, high-water %d)", e.Entry.Seq, e.Entry.Prev, e.HighWater)
}

// ValidateKey checks the key constraints shared by every operation.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

// CheckEntry validates an entry against the current high-water mark. Skip is
// true for entries that were already appended.
func CheckEntry(e Entry, highWater uint64) (skip bool, err error) {
	if e.Seq <= highWater {
		return true, nil
	}
	if e.Op != OpWrite && e.Op != OpDelete {
		return false, fmt.Errorf("%w: cannot append %s entry", ErrInvalidOp, e.Op)
	}
	if err := ValidateKey(e.Key); err != nil {
		return false, err
	}
	if e.Prev != highWater || e.Prev >= e.Seq {
		return false, &GapError{HighWater: highWater, Entry: e}
	}
	return false, nil
}
