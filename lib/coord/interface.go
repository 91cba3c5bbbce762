package coord

import (
	"context"
	"errors"
	"time"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// LeaseID identifies a lease granted by the coordination service.
// The encoding is backend specific (etcd lease ids are rendered as hex,
// consul session ids are used verbatim).
type LeaseID string

// NoLease is used for keys that are not bound to any lease.
const NoLease LeaseID = ""

// KeyValue is a single entry of the coordination service.
type KeyValue struct {
	Key   string
	Value []byte
	// Revision is the modification revision of the key. It is the token for
	// CompareAndSwap and CompareAndDelete and is strictly increasing per key.
	Revision int64
	// Lease is the lease the key is bound to (NoLease if none).
	Lease LeaseID
}

// EventType is the kind of change reported by a watch.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a change observed on a watched prefix.
type Event struct {
	Type EventType
	KV   KeyValue
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrLeaseNotFound is returned by KeepAlive and Revoke when the lease
	// expired or never existed.
	ErrLeaseNotFound = errors.New("coord: lease not found or expired")

	// ErrUnavailable is returned when the coordination service can not be
	// reached. Backends wrap their transport errors with it.
	ErrUnavailable = errors.New("coord: coordination service unavailable")

	// ErrClosed is returned after Close was called.
	ErrClosed = errors.New("coord: closed")
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ICoordinator is the opaque key-value + lease API of the coordination service.
// All cross node state (sequence counters, leader keys, membership) lives behind
// this interface.
type ICoordinator interface {
	// Get returns the value of key. The boolean is false if the key does not exist.
	Get(ctx context.Context, key string) (kv KeyValue, found bool, err error)
	// List returns all keys with the given prefix ordered by key.
	List(ctx context.Context, prefix string) ([]KeyValue, error)
	// CompareAndSwap writes value if the current revision of key equals rev.
	// A rev of 0 means the key must not exist. When lease is set the key is
	// bound to it. It returns false (and no error) if the comparison failed.
	CompareAndSwap(ctx context.Context, key string, rev int64, value []byte, lease LeaseID) (ok bool, err error)
	// CompareAndDelete deletes key if its current revision equals rev.
	CompareAndDelete(ctx context.Context, key string, rev int64) (ok bool, err error)
	// Put unconditionally writes value, optionally bound to lease.
	Put(ctx context.Context, key string, value []byte, lease LeaseID) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Grant creates a new lease with the given time to live.
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
	// KeepAlive renews the lease once and returns the remaining time to live.
	// It returns ErrLeaseNotFound if the lease already expired.
	KeepAlive(ctx context.Context, id LeaseID) (ttl time.Duration, err error)
	// Revoke deletes the lease and all keys bound to it.
	Revoke(ctx context.Context, id LeaseID) error
	// Watch reports changes below prefix until ctx is done. The channel is
	// closed when the watch ends.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	// Close releases all resources of the coordinator.
	Close() error
}
