// Package rpc is the communication layer of dSeq nodes and their clients.
//
// The package is organized into several subpackages:
//
//   - common: the client protocol (Request / Response), the peer protocol
//     (PeerMessage) used by replication and the change feed, the node and
//     client configuration, and logger initialization.
//
//   - transport: framed, multiplexed byte transports with pluggable
//     implementations (TCP, Unix sockets, HTTP). Every frame carries the
//     service id it is dispatched to.
//
//   - serializer: protobuf wire encoding of all messages, plus JSON for
//     debugging.
//
//   - server: the RPC server and the adapters of the KV, replication and
//     CDC services.
//
//   - client: the (routed) KV client, the replication peer client and the
//     remote change feed client.
//
// This package itself only maps configuration names to transport and
// serializer implementations.
package rpc
