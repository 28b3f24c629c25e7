package jsonrpc

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultMaxHeaderBytes bounds the header block of a single frame.
	DefaultMaxHeaderBytes = 8 * 1024

	// DefaultMaxBodyBytes bounds the declared Content-Length of a single frame.
	DefaultMaxBodyBytes = 64 * 1024 * 1024

	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"
)

var headerTerminator = []byte("\r\n\r\n")

// Envelope is one decoded frame: the header metadata plus the opaque body.
type Envelope struct {
	ContentLength int
	ContentType   string
	Body          []byte
}

// Decoder incrementally splits a byte stream into frames.
// It is not safe for concurrent use; the session's read loop owns it.
type Decoder struct {
	buf            []byte
	maxHeaderBytes int
	maxBodyBytes   int

	// err is set once a fatal framing error occurs.
	err error
}

// NewDecoder creates a decoder that rejects frames whose declared body
// exceeds maxBody bytes. A non-positive maxBody selects DefaultMaxBodyBytes.
func NewDecoder(maxBody int) *Decoder {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Decoder{
		maxHeaderBytes: DefaultMaxHeaderBytes,
		maxBodyBytes:   maxBody,
	}
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame.
//
// It returns ErrNeedMore when the buffer holds only part of a frame; the
// partial bytes are retained for the next call. A *FramingError with Fatal
// set poisons the decoder and is returned from every later call. A non-fatal
// *FramingError means one frame was consumed and dropped.
func (d *Decoder) Next() (Envelope, error) {
	if d.err != nil {
		return Envelope{}, d.err
	}

	end := bytes.Index(d.buf, headerTerminator)
	if end < 0 {
		if len(d.buf) > d.maxHeaderBytes {
			return Envelope{}, d.fail("header block exceeds %d bytes", d.maxHeaderBytes)
		}
		return Envelope{}, ErrNeedMore
	}
	if end > d.maxHeaderBytes {
		return Envelope{}, d.fail("header block exceeds %d bytes", d.maxHeaderBytes)
	}

	hdr, err := parseHeader(d.buf[:end])
	if err != nil {
		return Envelope{}, d.fail("%v", err)
	}
	if hdr.length > d.maxBodyBytes {
		return Envelope{}, d.fail("Content-Length %d exceeds limit %d", hdr.length, d.maxBodyBytes)
	}

	start := end + len(headerTerminator)
	total := start + hdr.length
	if len(d.buf) < total {
		return Envelope{}, ErrNeedMore
	}

	body := make([]byte, hdr.length)
	copy(body, d.buf[start:total])
	d.consume(total)

	if hdr.badCharset != "" {
		return Envelope{}, &FramingError{Reason: fmt.Sprintf("unsupported charset %q", hdr.badCharset)}
	}
	if !utf8.Valid(body) {
		return Envelope{}, &FramingError{Reason: "body is not valid UTF-8"}
	}

	return Envelope{
		ContentLength: hdr.length,
		ContentType:   hdr.contentType,
		Body:          body,
	}, nil
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func (d *Decoder) fail(format string, args ...any) error {
	d.err = &FramingError{Reason: fmt.Sprintf(format, args...), Fatal: true}
	d.buf = nil
	return d.err
}

type header struct {
	length      int
	contentType string
	badCharset  string
}

// parseHeader parses the header block without its terminating blank line.
// Header names are case-insensitive. Headers other than Content-Length and
// Content-Type are ignored.
func parseHeader(block []byte) (header, error) {
	h := header{length: -1}
	for _, line := range strings.Split(string(block), "\r\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return header{}, fmt.Errorf("malformed header line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(name, headerContentLength):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return header{}, fmt.Errorf("invalid Content-Length %q", value)
			}
			if h.length >= 0 && h.length != n {
				return header{}, fmt.Errorf("conflicting Content-Length headers %d and %d", h.length, n)
			}
			h.length = n
		case strings.EqualFold(name, headerContentType):
			h.contentType = value
			if cs := charset(value); !isUTF8(cs) {
				h.badCharset = cs
			}
		}
	}
	if h.length < 0 {
		return header{}, fmt.Errorf("missing Content-Length header")
	}
	return h, nil
}

func charset(contentType string) string {
	for _, param := range strings.Split(contentType, ";")[1:] {
		k, v, ok := strings.Cut(param, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "charset") {
			return strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
		}
	}
	return ""
}

// isUTF8 reports whether a charset label names UTF-8. An empty label
// defaults to UTF-8, and "utf8" is accepted for older clients.
func isUTF8(label string) bool {
	if label == "" || label == "utf8" {
		return true
	}
	enc, err := ianaindex.IANA.Encoding(label)
	return err == nil && enc == unicode.UTF8
}

// Encode marshals msg and wraps it in a frame. The Content-Length header
// always equals the encoded body length.
func Encode(msg Message) ([]byte, error) {
	body, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return appendFrame(nil, body), nil
}

// EncodeBody frames an already-encoded JSON body.
func EncodeBody(body []byte) []byte {
	return appendFrame(nil, body)
}

func appendFrame(dst, body []byte) []byte {
	dst = append(dst, headerContentLength...)
	dst = append(dst, ": "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, headerTerminator...)
	return append(dst, body...)
}

// WriteMessage encodes msg and writes the whole frame with a single Write.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
