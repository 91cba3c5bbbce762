// Package common provides the data structures shared by the RPC client and
// server of dSeq.
//
// Key Components:
//
//   - Request / Response: the client protocol. A request names a key, an
//     operation and an optional payload; the response echoes key and
//     operation and adds a Status (Ok, Invalid_Op, Invalid_Key,
//     Server_Error) and the sequence assigned to a write.
//
//   - PeerMessage: the envelope of the replication and CDC services
//     (replicate, catch-up, high-water, fetch). Errors travel as an ErrCode
//     plus message, so that callers can still match replication.ErrStaleTerm
//     or store.ErrCompacted with errors.Is.
//
//   - NodeConfig / ClientConfig: configuration of a node and of a client,
//     with Validate and a sectioned String used at startup.
//
//   - InitLoggers: installs a zap backed factory for the dragonboat logger
//     facade used by every package.
package common
