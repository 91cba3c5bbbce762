// Package server implements the RPC server of a dSeq node. It owns no state:
// each service id of the transport frames is dispatched to an adapter that
// decodes the message, calls into the node and encodes the answer.
//
// Key Components:
//
//   - RPCServer: binds a transport and a serializer and dispatches frames by
//     service id. Every request runs with a context derived from the server
//     timeout, canceled on Close.
//
//   - NewKVServerAdapter: client requests (read, write, delete) answered by
//     an IKVHandler, normally the node.
//
//   - NewReplicationServerAdapter: replicate, catch-up and high-water
//     requests of the other members of the group, answered by the
//     replication engine. Messages for another group are rejected with
//     common.ErrWrongGroup.
//
//   - NewCDCServerAdapter: fetches of the CDC feed of the group for remote
//     subscribers.
//
// Errors never travel as transport errors: they are encoded into the
// response message (a status for clients, an error code for peers), so a
// transport error always means the request may not have been processed.
package server
