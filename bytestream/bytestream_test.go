package bytestream

import (
	"bytes"
	"testing"
)

func TestCountingReader(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 2, 3}))
	for i := 0; i < 3; i++ {
		if _, err := r.ReadByte(); err != nil {
			t.Fatalf("ReadByte: %v", err)
		}
	}
	if got := r.BytesReceived(); got != 3 {
		t.Fatalf("BytesReceived() = %d, want 3", got)
	}
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if _, err := w.Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte{3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.BytesSent(); got != 3 {
		t.Fatalf("BytesSent() = %d, want 3", got)
	}
}
