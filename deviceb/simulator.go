package deviceb

import (
	"io"
	"net"
	"time"
)

// Simulator is a scripted, in-memory stand-in for a Device-B byte
// stream: it reassembles whatever lines an Engine writes to it and
// hands each one to a handler, writing back whatever line(s) the
// handler returns.
type Simulator struct {
	cmdR  *io.PipeReader
	cmdW  *io.PipeWriter
	respR net.Conn
	respW net.Conn

	handler func(Message) []byte
}

// NewSimulator starts a simulator that calls handler for every
// reassembled line. A nil return means "no response".
func NewSimulator(handler func(Message) []byte) *Simulator {
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
	var r LineReassembler
	var b [1]byte
	for {
		n, err := s.cmdR.Read(b[:])
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		msg, ok, perr := r.Push(b[0])
		if perr != nil || !ok {
			continue
		}
		resp := s.handler(msg)
		if resp == nil {
			continue
		}
		// Written from its own goroutine so the simulator keeps reading
		// commands even once the engine has stopped reading replies.
		go s.respW.Write(resp)
	}
}

// ackHandler answers every request by echoing the same type, params,
// and unparsed trailer back, enough to satisfy TIME, PRPT, TRPT, AIGS,
// and CHEK, whose acks just confirm what was asked.
func ackHandler() func(Message) []byte {
	return func(m Message) []byte {
		return Encode(m.Type, m.Parameters, m.UnparsedString)
	}
}

// versionHandler answers VERS with version as its free-form reply text
// and acks everything else.
func versionHandler(version string) func(Message) []byte {
	return func(m Message) []byte {
		if m.Type == "VERS" {
			return Encode("VERS", nil, version)
		}
		return Encode(m.Type, m.Parameters, m.UnparsedString)
	}
}

// readingHandler acks setup traffic and answers SRPT requests (and
// PRPT-enabled polling, simulated as one reply per request) with
// successive entries from readings, holding on the last entry once
// exhausted.
func readingHandler(readingType string, readings []map[string]string) func(Message) []byte {
	i := 0
	return func(m Message) []byte {
		effective := m.Type
		if m.Type == "SRPT" {
			effective = m.Parameters["TYPE"]
		}
		if effective != readingType {
			return Encode(m.Type, m.Parameters, m.UnparsedString)
		}
		if len(readings) == 0 {
			return Encode(readingType, nil, "")
		}
		if i >= len(readings) {
			i = len(readings) - 1
		}
		params := readings[i]
		i++
		return Encode(readingType, params, "")
	}
}
