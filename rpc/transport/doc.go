// Package transport defines the contract between the RPC layer of dSeq and
// the byte carriers below it. A transport moves opaque frames tagged with a
// service id (client KV requests, replication, CDC) and knows nothing about
// their content.
//
// Key Components:
//
//   - IRPCClientTransport: connection management and request sending, with
//     per-call contexts and a configured default timeout
//
//   - IRPCServerTransport: a non-blocking listener that hands every frame to
//     the registered ServerHandleFunc
//
// Implementations live in the tcp, unix and http subpackages; tcp and unix
// share the framing of the base package.
package transport
