// Package wire owns the line-delimited JSON message contract between a
// controller and its workers.
//
// Ownership boundary:
// - one message per newline-terminated line
// - request, response and greeting object shapes
// - out-of-band text line classification
package wire
