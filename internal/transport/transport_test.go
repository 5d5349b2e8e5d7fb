package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/p4jit/internal/p4err"
	"github.com/tinyrange/p4jit/internal/wire"
)

// fakeDevice reads one frame from its side of the pipe and writes back
// a canned response, standing in for the firmware's command handler.
func fakeDevice(t *testing.T, conn net.Conn, respond func(cmd byte, payload []byte) (flags byte, resp []byte)) {
	t.Helper()
	go func() {
		for {
			frame, err := wire.Decode(conn)
			if err != nil {
				return
			}
			flags, resp := respond(frame.Command, frame.Payload)
			if err := wire.Encode(conn, frame.Command, flags, resp); err != nil {
				return
			}
		}
	}()
}

func newTestTransport(t *testing.T, respond func(cmd byte, payload []byte) (byte, []byte)) *Transport {
	t.Helper()
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })
	fakeDevice(t, devConn, respond)
	return New(WrapPipe(hostConn), time.Second, nil)
}

func TestExchange_Echo(t *testing.T) {
	tr := newTestTransport(t, func(cmd byte, payload []byte) (byte, []byte) {
		return 0, payload
	})
	resp, err := tr.Exchange(wire.CmdPing, []byte("hi"))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if string(resp) != "hi" {
		t.Errorf("resp = %q, want %q", resp, "hi")
	}
}

func TestExchange_DeviceError(t *testing.T) {
	tr := newTestTransport(t, func(cmd byte, payload []byte) (byte, []byte) {
		code := make([]byte, 4)
		binary.LittleEndian.PutUint32(code, 0xDEADBEEF)
		return wire.FlagError, code
	})
	_, err := tr.Exchange(wire.CmdAlloc, nil)
	if p4err.KindOf(err) != p4err.KindDeviceError {
		t.Fatalf("got %v, want KindDeviceError", err)
	}
}

func TestExchange_CommandMismatch(t *testing.T) {
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })
	go func() {
		frame, err := wire.Decode(devConn)
		if err != nil {
			return
		}
		_ = frame
		// Respond with the wrong command id.
		wire.Encode(devConn, wire.CmdGetInfo, 0, nil)
	}()
	tr := New(WrapPipe(hostConn), time.Second, nil)
	_, err := tr.Exchange(wire.CmdPing, nil)
	if p4err.KindOf(err) != p4err.KindCommandMismatch {
		t.Fatalf("got %v, want KindCommandMismatch", err)
	}
}

func TestExchange_DisconnectOnClosedLink(t *testing.T) {
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close() })
	// Device closes the link instead of responding: the next read
	// observes EOF and must classify as Disconnected, not Timeout.
	go func() {
		wire.Decode(devConn)
		devConn.Close()
	}()
	tr := New(WrapPipe(hostConn), time.Second, nil)
	_, err := tr.Exchange(wire.CmdPing, nil)
	if err == nil {
		t.Fatal("expected an error on closed link")
	}
	var perr *p4err.Error
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want a *p4err.Error", err)
	}
	if perr.Kind != p4err.KindDisconnected {
		t.Fatalf("got kind %v, want KindDisconnected", perr.Kind)
	}
}
