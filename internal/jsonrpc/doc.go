// Package jsonrpc implements the wire layer of the Language Server Protocol
// base protocol: Content-Length framing and JSON-RPC 2.0 message
// classification.
//
// # Framing
//
// Each frame is a block of ASCII header lines terminated by an empty line,
// followed by exactly Content-Length bytes of UTF-8 JSON:
//
//	Content-Length: 46\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"initialize"}
//
// The Decoder is push-based. Callers Feed it whatever bytes the transport
// produced and then call Next until it reports ErrNeedMore. It never blocks
// and never reads from the transport itself, so a frame split across any
// number of reads decodes to the same Envelope as the frame read whole.
//
// # Messages
//
// Classify turns a decoded body into one of the Message variants:
//
//   - *Request: a request initiated by the server; the client owes a Response
//   - *Response: the answer to a *Call previously sent by the client
//   - *Notification: a one-way message, no id
//   - *Invalid: anything else, with the raw bytes kept for diagnostics
//
// *Call is the outbound counterpart of *Request. The two are kept as
// distinct types so there is never any doubt about which side owes a reply.
package jsonrpc
