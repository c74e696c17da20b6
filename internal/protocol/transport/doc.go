// Package transport owns the byte-stream channel under the wire protocol.
//
// Ownership boundary:
// - timed line reads that never drop or reorder bytes
// - buffered line writes with explicit flush
// - pipe endpoints: worker stdio and spawned subprocesses
// - tunnel endpoints: ssh sessions bridged onto local pipes
//
// Every endpoint satisfies the same Reader/Writer contract so the protocol
// layers above stay transport-agnostic.
package transport
