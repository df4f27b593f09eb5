package deviceb

import "testing"

func pushLine(t *testing.T, r *LineReassembler, s string) (Message, bool, error) {
	t.Helper()
	var msg Message
	var ok bool
	var err error
	for i := 0; i < len(s); i++ {
		msg, ok, err = r.Push(s[i])
	}
	return msg, ok, err
}

func TestEncodeBuildsSpaceSeparatedLine(t *testing.T) {
	got := string(Encode("TIME", map[string]string{"TS": "2020/01/02_03:04:05"}, ""))
	want := "ZUzu TIME TS=2020/01/02_03:04:05\r\n"
	if got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeTrimsWhenParamsAndUnparsedEmpty(t *testing.T) {
	got := string(Encode("CHEK", nil, ""))
	want := "ZUzu CHEK\r\n"
	if got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestEncodeMultipleParamsSortedByKey(t *testing.T) {
	got := string(Encode("PRPT", map[string]string{"TYPE": "FIDR", "ENABLE": "1"}, ""))
	want := "ZUzu PRPT ENABLE=1,TYPE=FIDR\r\n"
	if got != want {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestLineReassemblerParsesRecognizedLineWithParams(t *testing.T) {
	var r LineReassembler
	msg, ok, err := pushLine(t, &r, "ZUzu RDNG CALPPM=12.50\r\n")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete message")
	}
	if msg.Type != "RDNG" {
		t.Fatalf("Type = %q, want RDNG", msg.Type)
	}
	if v, ok := msg.Param("CALPPM"); !ok || v != "12.50" {
		t.Fatalf("CALPPM param = %q, %v", v, ok)
	}
}

func TestLineReassemblerParsesUnparsedTrailer(t *testing.T) {
	var r LineReassembler
	msg, ok, err := pushLine(t, &r, "ZUzu VERS some free form text\r\n")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !ok {
		t.Fatal("expected a complete message")
	}
	if msg.UnparsedString != "some free form text" {
		t.Fatalf("UnparsedString = %q", msg.UnparsedString)
	}
}

func TestLineReassemblerFailsAfterFiveResyncs(t *testing.T) {
	var r LineReassembler
	var err error
	for i := 0; i < maxResyncAttempts; i++ {
		_, _, err = pushLine(t, &r, "ZUzu ZZZZ\r\n")
	}
	if err == nil {
		t.Fatal("expected a malformed-frame error after 5 consecutive unrecognized lines")
	}
}

func TestLineReassemblerResyncCounterResetsOnGoodLine(t *testing.T) {
	var r LineReassembler
	for i := 0; i < maxResyncAttempts-1; i++ {
		pushLine(t, &r, "ZUzu ZZZZ\r\n")
	}
	if _, ok, err := pushLine(t, &r, "ZUzu CHEK\r\n"); err != nil || !ok {
		t.Fatalf("good line after near-exhausted resync budget: ok=%v err=%v", ok, err)
	}
	// The counter should have reset; another 4 bad lines must not fail yet.
	var err error
	for i := 0; i < maxResyncAttempts-1; i++ {
		_, _, err = pushLine(t, &r, "ZUzu ZZZZ\r\n")
	}
	if err != nil {
		t.Fatalf("resync counter did not reset after a good line: %v", err)
	}
}

func TestLineReassemblerHandlesBackToBackLines(t *testing.T) {
	var r LineReassembler
	stream := "ZUzu RDNG CALPPM=1\r\nZUzu RDNG CALPPM=2\r\n"
	var got []Message
	for i := 0; i < len(stream); i++ {
		if m, ok, err := r.Push(stream[i]); err == nil && ok {
			got = append(got, m)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if v, _ := got[0].Param("CALPPM"); v != "1" {
		t.Fatalf("first CALPPM = %q, want 1", v)
	}
	if v, _ := got[1].Param("CALPPM"); v != "2" {
		t.Fatalf("second CALPPM = %q, want 2", v)
	}
}

func TestRoundTripTimeMessage(t *testing.T) {
	encoded := Encode("TIME", map[string]string{"TS": "2020/01/02_03:04:05"}, "")
	var r LineReassembler
	var msg Message
	for _, b := range encoded {
		msg, _, _ = r.Push(b)
	}
	if msg.Type != "TIME" {
		t.Fatalf("Type = %q, want TIME", msg.Type)
	}
	if v, _ := msg.Param("TS"); v != "2020/01/02_03:04:05" {
		t.Fatalf("TS = %q", v)
	}
}
