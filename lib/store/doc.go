// Package store defines the durable log and materialized key-value index that
// every node keeps per group.
//
// A store is an append-only log of sequenced entries plus an index holding
// the current value of every key. The log is the source of truth; the index
// is what reads are served from. Both advance together: after Append returns,
// the index reflects every entry up to the returned high-water mark.
//
// Key Components:
//
//   - IStore Interface: Append, point reads, log ranges for catch-up and
//     change data capture, snapshots for followers that fell behind the
//     compacted log, and compaction.
//
//   - Entry Linkage: Every entry carries the sequence of its predecessor in
//     the same group (Prev). Append only accepts an entry whose Prev equals
//     the current high-water mark and reports a *GapError otherwise. Entries
//     at or below the high-water mark are skipped, which makes re-delivery
//     idempotent.
//
//   - Error System: Errors carry a RetCode that maps onto the status codes of
//     the wire protocol (invalid key, invalid operation, internal error).
//
//   - Codec: Entries and snapshots are encoded as protobuf messages
//     (AppendEntry, DecodeEntry, EncodeSnapshot, DecodeSnapshot). The same
//     encoding is used on disk, on the replication wire and for CDC.
//
// Implementations:
//
//   - memstore: in-memory, for tests and throwaway single node setups.
//     Available in "github.com/ValentinKolb/dSeq/lib/store/memstore".
//
//   - boltstore: one bbolt file per group, one transaction per Append.
//     Available in "github.com/ValentinKolb/dSeq/lib/store/boltstore".
//
// The storetest package holds the test suite both implementations pass.
package store
