// Package cdc exposes the applied log of a group as a change data capture
// feed.
//
// The Emitter reads records lazily from the local store of a group: a
// Subscription replays the log from any sequence and then follows live
// appends, woken by the append hook of the replication engine. Records are
// only ever read from the durable log, so a subscriber never sees a record
// the node has not applied. Within a session the cursor only moves forward
// and no record is delivered twice; across sessions consumers deduplicate by
// Record.Seq.
//
// The same iterator runs over a remote node (see rpc/client) through the
// ISource interface, and NATSSink republishes a feed into NATS subjects.
package cdc
