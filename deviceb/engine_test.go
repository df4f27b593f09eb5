package deviceb

import (
	"sync"
	"testing"
	"time"

	"fidlink.dev/bytestream"
	"fidlink.dev/event"
)

func newTestEngine(t *testing.T, sim *Simulator, sink event.Sink) *Engine {
	t.Helper()
	stream := bytestream.Open(sim)
	e, err := New(stream, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		e.Shutdown()
		sim.Close()
	})
	return e
}

func TestNewRunsInitializationSequence(t *testing.T) {
	sim := NewSimulator(ackHandler())
	e := newTestEngine(t, sim, nil)
	if e == nil {
		t.Fatal("New returned a nil engine with no error")
	}
}

func TestNewFailsWhenInitializationNeverAcks(t *testing.T) {
	sim := NewSimulator(func(Message) []byte { return nil })
	stream := bytestream.Open(sim)
	e, err := New(stream, nil)
	if err == nil {
		e.Shutdown()
		t.Fatal("expected an error when the initialization sequence is never acked")
	}
	sim.Close()
}

func TestSendAndReceiveAck(t *testing.T) {
	sim := NewSimulator(ackHandler())
	e := newTestEngine(t, sim, nil)

	m, err := e.sendAndReceive("VERS", nil, time.Second)
	if err != nil {
		t.Fatalf("sendAndReceive: %v", err)
	}
	if m.Type != "VERS" {
		t.Fatalf("Type = %q, want VERS", m.Type)
	}
}

func TestSendAndReceiveTimesOut(t *testing.T) {
	sim := NewSimulator(func(m Message) []byte {
		if m.Type == "VERS" {
			return nil
		}
		return Encode(m.Type, m.Parameters, m.UnparsedString)
	})
	e := newTestEngine(t, sim, nil)

	_, err := e.sendAndReceive("VERS", nil, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	fault, ok := err.(*event.Fault)
	if !ok || fault.Kind != event.Timeout {
		t.Fatalf("err = %v, want *event.Fault{Kind: Timeout}", err)
	}
}

func TestSRPTEffectiveReplyTypeIsTheTypeParameter(t *testing.T) {
	sim := NewSimulator(func(m Message) []byte {
		if m.Type == "SRPT" {
			return Encode(m.Parameters["TYPE"], map[string]string{"CALPPM": "5.0"}, "")
		}
		return Encode(m.Type, m.Parameters, m.UnparsedString)
	})
	e := newTestEngine(t, sim, nil)

	msg, err := e.sendAndReceive("SRPT", map[string]string{"TYPE": "FIDR"}, time.Second)
	if err != nil {
		t.Fatalf("sendAndReceive: %v", err)
	}
	if msg.Type != "FIDR" {
		t.Fatalf("Type = %q, want FIDR", msg.Type)
	}
}

type capturingSink struct {
	mu      sync.Mutex
	polled  []event.DataPolled
	cmdErrs []event.CommandError
}

func (c *capturingSink) DataPolled(d event.DataPolled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polled = append(c.polled, d)
}

func (c *capturingSink) Error(*event.Fault) {}

func (c *capturingSink) CommandError(e event.CommandError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmdErrs = append(c.cmdErrs, e)
}

func (c *capturingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.polled)
}

func (c *capturingSink) cmdErrCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cmdErrs)
}

func waitForCount(t *testing.T, get func() int, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for count >= %d, got %d", want, get())
}

func TestUnsolicitedReadingsDeliverDataPolled(t *testing.T) {
	sim := NewSimulator(ackHandler())
	sink := &capturingSink{}
	_ = newTestEngine(t, sim, sink)

	if _, err := sim.respW.Write(Encode("FIDR", map[string]string{"CALPPM": "10.0"}, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForCount(t, sink.count, 1, time.Second)
}

func TestDeviceReportedErrorFailsAwaiterWithDictionaryText(t *testing.T) {
	sim := NewSimulator(func(m Message) []byte {
		if m.Type == "SRPT" && m.Parameters["TYPE"] == "FIDR" {
			return Encode("EROR", map[string]string{"TYPE": "FIDR", "CODE": "22"}, "")
		}
		return Encode(m.Type, m.Parameters, m.UnparsedString)
	})
	sink := &capturingSink{}
	e := newTestEngine(t, sim, sink)

	_, err := e.sendAndReceive("SRPT", map[string]string{"TYPE": "FIDR"}, time.Second)
	if err == nil {
		t.Fatal("expected an error from a device-reported EROR")
	}
	fault, ok := err.(*event.Fault)
	if !ok || fault.Kind != event.DeviceReported {
		t.Fatalf("err = %v, want *event.Fault{Kind: DeviceReported}", err)
	}

	waitForCount(t, sink.cmdErrCount, 1, time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.cmdErrs[0].Text != "I can't run on H2 this low! Feed ME!" {
		t.Fatalf("CommandError.Text = %q", sink.cmdErrs[0].Text)
	}
}

func TestShutdownNoticeDeliversCommandError(t *testing.T) {
	sim := NewSimulator(ackHandler())
	sink := &capturingSink{}
	_ = newTestEngine(t, sim, sink)

	if _, err := sim.respW.Write(Encode("SHUT", nil, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForCount(t, sink.cmdErrCount, 1, time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.cmdErrs[0].Kind != event.Shutdown {
		t.Fatalf("Kind = %v, want Shutdown", sink.cmdErrs[0].Kind)
	}
}

func TestHeartbeatSendsCHEKPeriodically(t *testing.T) {
	seen := make(chan struct{}, 8)
	sim := NewSimulator(func(m Message) []byte {
		if m.Type == "CHEK" {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
		return Encode(m.Type, m.Parameters, m.UnparsedString)
	})
	_ = newTestEngine(t, sim, nil)

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no CHEK heartbeat observed within 2s")
	}
}

func TestIgniteIsFireAndForget(t *testing.T) {
	sim := NewSimulator(ackHandler())
	e := newTestEngine(t, sim, nil)
	if err := e.Ignite(); err != nil {
		t.Fatalf("Ignite: %v", err)
	}
}

func TestGetFirmwareVersionReturnsFreeFormText(t *testing.T) {
	sim := NewSimulator(versionHandler("2.4.1-fid"))
	e := newTestEngine(t, sim, nil)

	v, err := e.GetFirmwareVersion()
	if err != nil {
		t.Fatalf("GetFirmwareVersion: %v", err)
	}
	if v != "2.4.1-fid" {
		t.Fatalf("version = %q, want 2.4.1-fid", v)
	}
}

func TestStartPollingDataDeliversSuccessiveReadings(t *testing.T) {
	readings := []map[string]string{
		{"CALPPM": "1.0"},
		{"CALPPM": "2.0"},
	}
	sim := NewSimulator(readingHandler("FIDR", readings))
	sink := &capturingSink{}
	e := newTestEngine(t, sim, sink)

	if err := e.StartPollingData(); err != nil {
		t.Fatalf("StartPollingData: %v", err)
	}
	for range readings {
		if _, err := e.sendAndReceive("SRPT", map[string]string{"TYPE": "FIDR"}, time.Second); err != nil {
			t.Fatalf("sendAndReceive: %v", err)
		}
	}
	waitForCount(t, sink.count, len(readings), time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.polled[0].PPM != 1 || sink.polled[1].PPM != 2 {
		t.Fatalf("PPMs = %v, %v, want 1, 2", sink.polled[0].PPM, sink.polled[1].PPM)
	}
}
