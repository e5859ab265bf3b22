// Package protocol defines the framing and the shared vocabulary of the
// messaging service.
//
// # Framing
//
// Every message on the socket is an 8-byte header followed by its payload:
//   - 2-byte magic 'WA' and a 1-byte version, rejected on mismatch
//   - 1-byte frame type (handshake, data, close)
//   - 1-byte flags
//   - 24-bit big endian payload length
//
// Handshake frames carry plaintext Noise messages. Data frames carry a
// single node sealed under the session keys negotiated during the handshake.
//
// # Vocabulary
//
// Stanza tags, iq types, namespaces and stream error codes used by the
// client and the reference server live here so both ends agree on them.
package protocol
