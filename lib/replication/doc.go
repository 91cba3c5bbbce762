// Package replication propagates the sequenced write log of a group from
// its leader to its followers.
//
// Leader side (Accept):
//
//  1. verify leadership with a fresh coordinator read (ErrNotLeader otherwise,
//     no sequence number is consumed);
//  2. draw the next sequence number of the group's domain. The sequencer is
//     called under a sequencing lock, never under the write lock, so numbers
//     arrive at the local pipeline in increasing order;
//  3. append the entry to the local log under the write lock, after its
//     predecessor;
//  4. queue the entry for every follower. Each follower has its own ordered
//     outbox delivering batches at least once;
//  5. acknowledge once the entry is locally durable.
//
// Once step 2 returned, the entry is appended and replicated even if the
// caller went away: a sequence number can not be given back.
//
// Follower side (Replicate): every entry carries the sequence of its
// predecessor in the group log (Entry.Prev). An entry that directly follows
// the local high-water mark is applied, followed by every buffered entry it
// unblocks. An entry at or below the high-water mark is a re-delivery and is
// ignored. Any other entry is parked in a bounded reorder buffer and a
// catch-up pull from the leader is scheduled. If the leader no longer has the
// requested range in its log, or the local log diverged from the leader's,
// the leader answers with a zstd compressed snapshot.
//
// Failover (Reconcile): a new leader first collects the high-water marks of
// its followers, pulls the suffix of the most advanced one, refuses to lead
// if the sequence counter is behind its log and then re-sends every
// follower the tail it misses. Sequencing continues from the durable counter,
// so no number is issued twice.
//
// Terms: every Replicate call carries the term (leader key revision) of the
// sending leader. Followers reject terms older than the newest one they saw,
// which stops the outboxes of a deposed leader.
package replication
