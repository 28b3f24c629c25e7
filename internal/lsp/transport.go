package lsp

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/dshills/lspengine/internal/jsonrpc"
)

// transport is the framed duplex under a session. Reads happen only on the
// session's read loop; writes may come from any goroutine and are
// serialized so frames never interleave.
type transport struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer

	dec *jsonrpc.Decoder

	mu     sync.Mutex
	closed atomic.Bool
}

func newTransport(r io.Reader, w io.Writer, c io.Closer, maxBody int) *transport {
	return &transport{
		reader: r,
		writer: w,
		closer: c,
		dec:    jsonrpc.NewDecoder(maxBody),
	}
}

// write encodes msg and writes the full frame with a single Write while
// holding the write lock. Encoding errors are returned as is; write errors
// are wrapped in *TransportError.
func (t *transport) write(msg jsonrpc.Message) error {
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrSessionClosed
	}
	if _, err := t.writer.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// read pulls the next chunk from the stream into the decoder.
func (t *transport) read(buf []byte) error {
	n, err := t.reader.Read(buf)
	if n > 0 {
		t.dec.Feed(buf[:n])
	}
	return err
}

// next returns the next buffered frame, or jsonrpc.ErrNeedMore.
func (t *transport) next() (jsonrpc.Envelope, error) {
	return t.dec.Next()
}

// close releases the underlying stream. It is idempotent.
func (t *transport) close() error {
	if t.closed.Swap(true) {
		return nil
	}
	// The write lock is not taken here: a writer blocked on a full pipe is
	// only released by closing the stream.
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// isClosed reports whether close was called.
func (t *transport) isClosed() bool {
	return t.closed.Load()
}
