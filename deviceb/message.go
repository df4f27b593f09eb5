// Package deviceb implements the ASCII, line-based protocol used by the
// Device-B flame-ionization analyzer family: message framing, a
// heartbeat worker, request/response correlation tolerant of
// interleaved spontaneous readings, and the readings pipeline that
// turns a handful of distinct message types into one Status snapshot.
package deviceb

import (
	"sort"
	"strings"
)

// hostTag is the fixed role prefix Device-B expects on every
// host-to-device line.
const hostTag = "ZUzu"

// maxResyncAttempts bounds how many consecutive unrecognized lines the
// reassembler tolerates before reporting a malformed frame; a single
// bad line (a dropped byte mid-transmission) shouldn't be fatal.
const maxResyncAttempts = 5

// Message is one decoded Device-B line.
type Message struct {
	Type           string
	Parameters     map[string]string
	UnparsedString string
	Raw            string
}

// Param looks up a parameter, reporting whether it was present.
func (m Message) Param(key string) (string, bool) {
	v, ok := m.Parameters[key]
	return v, ok
}

// encodeParams renders params as a comma-joined KEY=VALUE list, keys
// sorted for a deterministic wire form.
func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	return strings.Join(parts, ",")
}

// Encode builds one complete outbound line: "ZUzu <TYPE> <params>
// <unparsed>\r\n", trimming the trailing token(s) when params and
// unparsed are both empty.
func Encode(msgType string, params map[string]string, unparsed string) []byte {
	var b strings.Builder
	b.WriteString(hostTag)
	b.WriteByte(' ')
	b.WriteString(msgType)
	paramsStr := encodeParams(params)
	if paramsStr != "" || unparsed != "" {
		b.WriteByte(' ')
		b.WriteString(paramsStr)
		b.WriteByte(' ')
		b.WriteString(unparsed)
	}
	line := strings.TrimRight(b.String(), " ")
	return []byte(line + "\r\n")
}

// parseParams splits a comma-joined KEY=VALUE token into a map. A
// malformed pair (no "=") is skipped rather than failing the whole
// message.
func parseParams(token string) map[string]string {
	pairs := strings.Split(token, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// parseLine decodes one CR-LF-stripped line into a Message. It reports
// false when the role tag is too long or the type isn't recognized,
// the two conditions that drive the reassembler's resync counter.
func parseLine(line string) (Message, bool) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 2 {
		return Message{}, false
	}
	if len(parts[0]) > 5 {
		return Message{}, false
	}
	msgType := parts[1]
	if !recognizedTypes[msgType] {
		return Message{}, false
	}

	m := Message{Type: msgType, Raw: line}
	if len(parts) < 3 {
		return m, true
	}
	if parts[2] == "" {
		// Empty parameter token, as Encode writes when only the
		// unparsed trailer is set.
		if len(parts) == 4 {
			m.UnparsedString = parts[3]
		}
		return m, true
	}
	if strings.Contains(parts[2], "=") {
		m.Parameters = parseParams(parts[2])
		if len(parts) == 4 {
			m.UnparsedString = parts[3]
		}
		return m, true
	}
	m.UnparsedString = strings.Join(parts[2:], " ")
	return m, true
}

// LineReassembler accumulates bytes into CR-LF-terminated lines and
// parses each one into a Message. It is not safe for concurrent use; a
// single receiver worker owns it for the engine's lifetime.
type LineReassembler struct {
	buf          []byte
	resyncStreak int

	// OnUnrecognized, if set, observes every line discarded during
	// resync. A raw-message hook for diagnostics, not wired into
	// correctness.
	OnUnrecognized func(line string)
}

// Push feeds one received byte. It reports a decoded Message and true
// whenever a line completes and parses cleanly. A line that fails to
// parse is discarded and counted against the resync budget; Push
// returns a non-nil error once maxResyncAttempts consecutive lines have
// failed, resetting the counter so the caller can keep trying.
func (r *LineReassembler) Push(b byte) (Message, bool, error) {
	r.buf = append(r.buf, b)
	n := len(r.buf)
	if n < 2 || r.buf[n-2] != '\r' || r.buf[n-1] != '\n' {
		return Message{}, false, nil
	}
	line := string(r.buf[:n-2])
	r.buf = r.buf[:0]

	if line == "" {
		return Message{}, false, nil
	}
	msg, ok := parseLine(line)
	if ok {
		r.resyncStreak = 0
		return msg, true, nil
	}

	if r.OnUnrecognized != nil {
		r.OnUnrecognized(line)
	}
	r.resyncStreak++
	if r.resyncStreak >= maxResyncAttempts {
		r.resyncStreak = 0
		return Message{}, false, errMalformedFrame
	}
	return Message{}, false, nil
}
