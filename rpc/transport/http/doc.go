// Package http implements the HTTP transport of the dSeq RPC layer. Every
// frame becomes a POST /{service} request whose body is the serialized
// message, so a node started with the json serializer can be inspected with
// curl:
//
//	curl -d '{"key":"Deep","op":"read"}' http://localhost:8080/1
//
// Key Components:
//
//   - httpClientTransport: round-robin over the configured endpoints with
//     retries on transport errors
//
//   - httpServerTransport: net/http server routing POST /{service} to the
//     registered handler, with request logging at debug level
//
// Thread Safety:
//
//	The client transport is safe for concurrent use after Connect.
package http
