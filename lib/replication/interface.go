package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/store"
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// ILeadership is the view of the election state machine the leader side
// needs. *election.Elector implements it.
type ILeadership interface {
	// Verify checks leadership with a fresh coordinator read.
	Verify(ctx context.Context) error
	// Term returns the fencing term of the current tenure (0 if not leader).
	Term() int64
	// StepDown gives up leadership.
	StepDown(ctx context.Context) error
}

// IPeer is another member of the group as seen by the replication engine.
// *Engine implements it for in-process peers, rpc/client for remote ones.
type IPeer interface {
	// Replicate delivers entries in sequence order and returns the high-water
	// mark of the peer after applying them. Entries of an older term than the
	// newest the peer has seen are rejected with ErrStaleTerm.
	Replicate(ctx context.Context, term int64, entries []store.Entry) (uint64, error)
	// CatchUp returns the entries following req.From, or a snapshot if the
	// range is no longer available in the log of the peer.
	CatchUp(ctx context.Context, req CatchUpRequest) (CatchUpResponse, error)
	// HighWater returns the high-water mark of the peer.
	HighWater(ctx context.Context) (uint64, error)
}

// Peer is a named IPeer.
type Peer struct {
	Node string
	IPeer
}

// IDirectory resolves the members of the group of an engine.
type IDirectory interface {
	// Followers returns every other live member of the group.
	Followers() []Peer
	// Leader returns the current leader of the group (false if vacant or
	// if this node is the leader).
	Leader() (Peer, bool)
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// Ack is the leader side acknowledgement of an accepted write.
type Ack struct {
	Seq       uint64
	HighWater uint64
}

// CatchUpRequest asks a peer for the log following From.
type CatchUpRequest struct {
	// From is the high-water mark of the requester.
	From uint64
	// Max bounds the number of returned entries (0 = peer default).
	Max int
	// ForceSnapshot requests a snapshot even if the log range is available.
	ForceSnapshot bool
}

// CatchUpResponse carries either entries or a zstd compressed snapshot.
type CatchUpResponse struct {
	Entries []store.Entry
	// Snapshot is set instead of Entries when the peer answered with its
	// full state (see EncodeSnapshot).
	Snapshot []byte
	// HighWater is the high-water mark of the peer at the time of the answer.
	HighWater uint64
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrNotLeader is returned by Accept when leadership could not be
	// verified. No sequence number was consumed.
	ErrNotLeader = errors.New("replication: not leader")
	// ErrStaleTerm is returned by Replicate for entries of a deposed leader.
	ErrStaleTerm = errors.New("replication: stale term")
	// ErrDiverged is returned when the local log contains entries the
	// leader does not know about. It is resolved by a snapshot transfer.
	ErrDiverged = errors.New("replication: log diverged from leader")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replication: engine closed")
)

// SequenceGapError reports an entry whose predecessor was not applied yet.
// It never leaves the follower: the entry is buffered and a catch-up pull is
// scheduled.
type SequenceGapError struct {
	Group     uint64
	HighWater uint64
	Seq       uint64
	Prev      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("replication: group %d misses entries between %d and %d (seq %d buffered)", e.Group, e.HighWater, e.Prev, e.Seq)
}

// PipelineError is returned by Accept when a sequenced entry could not be
// appended to the local log. The leader steps down; the entry is lost.
type PipelineError struct {
	Seq uint64
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("replication: append of seq %d failed: %v", e.Seq, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
