// Package protocol owns the controller/worker command exchange.
//
// Ownership boundary:
// - greeting handshake and version check
// - Client: command send, text stream and response read
// - Server: command loop, handler registry, retry, error responses
// - error codes shared by both sides
//
// Line encoding lives in protocol/wire and byte channels in
// protocol/transport.
package protocol
