// Package transport implements the synchronous request/response
// exchange on top of the internal/wire frame codec. It is the
// p4jit analogue of tinyrange/cc's
// internal/ipc.Client.Call: write one frame, block for exactly one
// response frame, validate it, and hand the caller the payload.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/wire"
)

// Link is the byte-pipe a Transport exchanges frames over: a serial
// port, or (in tests) an in-memory pipe. SetReadDeadline mirrors
// net.Conn/os.File's deadline API so a stalled device produces a
// bounded-time failure instead of hanging the caller forever.
type Link interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
}

// Transport frames commands and exchanges them over a Link. Only one
// exchange may be in flight at a time: mu enforces that.
type Transport struct {
	link    Link
	timeout time.Duration
	log     *slog.Logger

	mu sync.Mutex
}

// DefaultTimeout is the per-read timeout applied to every exchange
// when none is configured explicitly.
const DefaultTimeout = 2 * time.Second

// New wraps link in a Transport. timeout of zero uses DefaultTimeout.
func New(link Link, timeout time.Duration, log *slog.Logger) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{link: link, timeout: timeout, log: log}
}

// Close releases the underlying link.
func (t *Transport) Close() error {
	return t.link.Close()
}

// Exchange sends one request frame (command, payload) and returns the
// response payload.
func (t *Transport) Exchange(command byte, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := fmt.Sprintf("transport.Exchange(%#x)", command)

	t.log.Debug("exchange: send", "command", fmt.Sprintf("%#x", command), "len", len(payload))

	if err := wire.Encode(t.link, command, 0, payload); err != nil {
		return nil, p4err.Wrap(p4err.KindDisconnected, op, err)
	}

	if err := t.link.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		t.log.Warn("exchange: set read deadline failed", "error", err)
	}

	frame, err := wire.Decode(t.link)
	if err != nil {
		return nil, classifyDecodeError(op, err)
	}

	if frame.Command != command {
		return nil, p4err.New(p4err.KindCommandMismatch, op)
	}

	if frame.Flags&wire.FlagError != 0 {
		var code int32
		if len(frame.Payload) >= 4 {
			code = int32(binary.LittleEndian.Uint32(frame.Payload[:4]))
		}
		return nil, p4err.WrapDevice(op, code)
	}

	t.log.Debug("exchange: recv", "command", fmt.Sprintf("%#x", command), "len", len(frame.Payload))
	return frame.Payload, nil
}

// classifyDecodeError maps a wire-layer decode failure onto the
// transport error kinds. A fully-closed link surfaces as
// io.EOF on the very first read of the frame and is classified as
// Disconnected; anything else that failed to complete within the
// read deadline (a timeout, or a genuine short read) is a Timeout.
func classifyDecodeError(op string, err error) error {
	switch {
	case errors.Is(err, wire.ErrBadMagic):
		return p4err.Wrap(p4err.KindBadMagic, op, err)
	case errors.Is(err, wire.ErrChecksumMismatch):
		return p4err.Wrap(p4err.KindChecksumMismatch, op, err)
	case errors.Is(err, wire.ErrShortRead):
		if errors.Is(err, io.EOF) {
			return p4err.Wrap(p4err.KindDisconnected, op, err)
		}
		return p4err.Wrap(p4err.KindTimeout, op, err)
	default:
		return p4err.Wrap(p4err.KindTimeout, op, err)
	}
}

// pipeLink adapts an io.ReadWriteCloser without native deadline
// support (e.g. net.Pipe, used in tests) to the Link interface by
// making SetReadDeadline a no-op.
type pipeLink struct {
	io.ReadWriteCloser
}

func (pipeLink) SetReadDeadline(time.Time) error { return nil }

// WrapPipe adapts rw to Link for callers (tests, loopback fixtures)
// that don't need real deadline enforcement.
func WrapPipe(rw io.ReadWriteCloser) Link {
	if l, ok := rw.(Link); ok {
		return l
	}
	return pipeLink{rw}
}
