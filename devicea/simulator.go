package devicea

import (
	"io"
	"net"
	"time"
)

// Simulator is a scripted, in-memory stand-in for a Device-A byte
// stream: it decodes whatever commands an Engine writes to it and hands
// each one to a handler function, writing back whatever response bytes
// the handler returns. Tests wire it in place of a real serial port via
// bytestream.Open, the same way driver/mjolnir's tests exercise its
// encoder/decoder pair without real hardware.
type Simulator struct {
	cmdR  *io.PipeReader
	cmdW  *io.PipeWriter
	respR net.Conn
	respW net.Conn

	handler func(id CmdID, payload []byte) []byte
}

// NewSimulator starts a simulator that calls handler for every decoded
// command frame. A nil return from handler means "no response", letting
// tests exercise the request timeout path.
func NewSimulator(handler func(id CmdID, payload []byte) []byte) *Simulator {
	cr, cw := io.Pipe()
	rr, rw := net.Pipe()
	s := &Simulator{cmdR: cr, cmdW: cw, respR: rr, respW: rw, handler: handler}
	go s.run()
	return s
}

func (s *Simulator) Write(p []byte) (int, error) { return s.cmdW.Write(p) }

// Read waits briefly for response bytes and reports a wait that runs
// out as a zero-byte read with no error, the way a serial port with a
// read deadline behaves, so the engine's receiver can observe shutdown.
func (s *Simulator) Read(p []byte) (int, error) {
	s.respR.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	n, err := s.respR.Read(p)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		err = nil
	}
	return n, err
}

// Close tears down both internal pipes, unblocking any in-flight Read
// or Write and causing the engine bound to it to observe transport
// faults.
func (s *Simulator) Close() error {
	s.cmdW.Close()
	s.respW.Close()
	return nil
}

func (s *Simulator) run() {
	var d Deframer
	var b [1]byte
	for {
		n, err := s.cmdR.Read(b[:])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		c := b[0]
		if d.state == waitSync && c == syncCommand {
			c = syncResponse // Deframer syncs on the response byte
		}
		f, ok := d.Push(c)
		if !ok {
			continue
		}
		resp := s.handler(f.CmdID, f.Payload)
		if resp == nil {
			continue
		}
		// Written from its own goroutine so the simulator keeps reading
		// commands even once the engine has stopped reading replies.
		go s.respW.Write(resp)
	}
}

// encodeResponse builds a complete response frame the way the device
// would: same framing as encodeCommand, but tagged with the response
// sync byte.
func encodeResponse(id CmdID, payload []byte) []byte {
	headerLen := 3 + len(payload)
	buf := make([]byte, headerLen+1)
	buf[0] = syncResponse
	buf[1] = byte(headerLen + 1)
	buf[2] = byte(id)
	copy(buf[3:], payload)
	buf[headerLen] = Checksum(buf[:headerLen])
	return buf
}

// ackHandler returns a Simulator handler that answers every command
// with an empty-payload response of the same CmdID, matching how most
// Device-A writes (SET_SAMPLING_PARAMETERS, GOODBYE, ...) are
// acknowledged on the real device.
func ackHandler() func(CmdID, []byte) []byte {
	return func(id CmdID, _ []byte) []byte {
		return encodeResponse(id, nil)
	}
}

// scriptedStatusHandler answers READ_DATA_EXTENDED with successive
// entries from statuses (holding on the last entry once exhausted) and
// acks every other command, the shape most engine scenario tests need.
func scriptedStatusHandler(statuses [][]byte) func(CmdID, []byte) []byte {
	i := 0
	return func(id CmdID, payload []byte) []byte {
		if id != ReadDataExtended {
			return encodeResponse(id, nil)
		}
		if len(statuses) == 0 {
			return encodeResponse(id, make([]byte, 15))
		}
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		s := statuses[i]
		i++
		return encodeResponse(id, s)
	}
}
