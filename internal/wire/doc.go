// Package wire defines the packet envelope exchanged between string peers
// and its binary encoding.
//
// Packets are encoded in protobuf wire format with fixed field numbers so
// that independent implementations interoperate. string.proto in this
// directory is the schema. Enum zero values mean
// "unspecified" and unknown attachment formats decode to zero rather than
// failing. Timestamps use google.protobuf.Timestamp.
//
// Decode never panics on hostile input. It returns an error wrapping
// ErrMalformed for truncated or invalid bytes and ErrUnknownVariant for a
// discriminant this build does not recognise. Both are per-packet failures:
// callers drop the packet and keep the connection.
//
// On a stream, packets are carried in length-prefixed frames (WriteFrame,
// ReadFrame).
package wire
