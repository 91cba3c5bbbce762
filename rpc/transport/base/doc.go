// Package base provides the frame based core shared by the tcp and unix
// transports. Transport specific parts (dialing, listening, socket options)
// are injected through IClientConnector and IServerConnector.
//
// Frame layout, big endian:
//
//	| service (8) | request id (8) | length (4) | payload (length) |
//
// Key Components:
//
//   - clientTransport: multiplexes concurrent requests over a pool of
//     connections per endpoint. Responses are correlated by request id, so
//     a slow request never blocks a fast one. Each connection has a reader
//     goroutine that redials with backoff when the connection breaks and
//     fails all requests in flight on it. Send retries on another
//     connection up to the configured retry count.
//
//   - serverTransport: accepts connections and runs up to WorkersPerConn
//     handlers per connection concurrently. Read buffers come from a
//     sync.Pool.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use. Frame writes on one
//	connection are serialized by a mutex.
package base
