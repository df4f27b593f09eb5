package devicea

import (
	"bytes"
	"testing"
)

// pushAll feeds every byte of raw into a fresh Deframer and returns the
// frames it emits.
func pushAll(raw []byte) []Frame {
	var d Deframer
	var frames []Frame
	for _, b := range raw {
		if f, ok := d.Push(b); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestEncodeReadDataExtendedRoundTrip(t *testing.T) {
	cmd := encodeCommand(ReadDataExtended, emptyPayload{})
	// Loopback: a faithful byte-stream replaces the command sync with
	// the response sync and nothing else.
	resp := append([]byte(nil), cmd...)
	resp[0] = syncResponse

	frames := pushAll(resp)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.CmdID != ReadDataExtended {
		t.Fatalf("CmdID = %#x, want %#x", f.CmdID, ReadDataExtended)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("Payload = %v, want empty", f.Payload)
	}
}

func TestLoopbackPreservesRawBytes(t *testing.T) {
	cmd := encodeCommand(SetSamplingParameters, SamplingParameters{Range: RangeMAX})
	resp := append([]byte(nil), cmd...)
	resp[0] = syncResponse

	frames := pushAll(resp)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0].Raw, resp) {
		t.Fatalf("Raw = %#x, want %#x", frames[0].Raw, resp)
	}
}

func TestDeframerMultipleFramesBackToBack(t *testing.T) {
	a := encodeCommand(ReadDataExtended, emptyPayload{})
	a[0] = syncResponse
	b := encodeCommand(SetSamplingParameters, SamplingParameters{Range: RangeLO})
	b[0] = syncResponse

	var stream []byte
	stream = append(stream, a...)
	stream = append(stream, b...)

	frames := pushAll(stream)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].CmdID != ReadDataExtended || frames[1].CmdID != SetSamplingParameters {
		t.Fatalf("unexpected cmd ids: %v, %v", frames[0].CmdID, frames[1].CmdID)
	}
}

func TestDeframerDiscardsMalformedLength(t *testing.T) {
	var d Deframer
	// Declared length 2 is malformed (< 3); the deframer should reset
	// and resync on the next valid sync byte rather than getting stuck.
	junk := []byte{syncResponse, 0x02, syncResponse, 0x04, byte(ReadDataExtended), 0x00}
	var frames []Frame
	for _, b := range junk {
		if f, ok := d.Push(b); ok {
			frames = append(frames, f)
		}
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 after resync", len(frames))
	}
	if frames[0].CmdID != ReadDataExtended {
		t.Fatalf("CmdID = %#x, want %#x", frames[0].CmdID, ReadDataExtended)
	}
}
