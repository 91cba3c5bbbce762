// Package tcp implements the TCP socket transport of the dSeq RPC layer. It
// plugs TCP specific connectors into the base package, which provides the
// framing, connection pooling and request correlation.
//
// Key Components:
//
//   - clientConnector: dials endpoints and applies TCP_NODELAY
//
//   - serverConnector: listens on the endpoint of the transport config and
//     applies buffer sizes, keep-alive and linger to accepted connections
//
// This is the transport nodes use between each other for replication and
// catch-up, and the default for clients.
package tcp
