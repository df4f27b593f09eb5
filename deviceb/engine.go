package deviceb

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"fidlink.dev/bytestream"
	"fidlink.dev/event"
	"fidlink.dev/internal/retry"
	"fidlink.dev/internal/shutdown"
)

const (
	defaultTimeout       = 2 * time.Second
	heartbeatInterval    = 900 * time.Millisecond
	maxConsecutiveFaults = 10
	initRetryAttempts    = 3
	initRetryDelay       = 100 * time.Millisecond

	// rtcFormat is Device-B's real-time-clock wire format.
	rtcFormat = "2006/01/02_15:04:05"
)

// errMalformedFrame is returned by LineReassembler.Push once
// maxResyncAttempts consecutive lines have failed to parse.
var errMalformedFrame = errors.New("deviceb: exceeded resync attempts without a recognized line")

// Engine owns a single Device-B byte stream for its lifetime, running
// sender, receiver, and heartbeat workers. All exported methods are
// safe to call from any goroutine.
type Engine struct {
	stream bytestream.Stream
	sink   event.Sink
	reg    *registry
	coord  shutdown.Coordinator

	cmdCh  chan []byte
	sendMu sync.Mutex

	pipelineMu sync.Mutex
	pipeline   *pipeline
}

// New starts the sender, receiver, and heartbeat workers bound to
// stream and runs the fixed setup sequence: set the device clock,
// disable all four periodic reading streams, then start the heartbeat.
// It returns an error, and a nil *Engine, if setup never succeeds.
func New(stream bytestream.Stream, sink event.Sink) (*Engine, error) {
	e := &Engine{
		stream:   stream,
		sink:     sink,
		reg:      newRegistry(),
		pipeline: newPipeline(),
		cmdCh:    make(chan []byte, 4),
	}
	e.coord.Go(e.senderLoop)
	e.coord.Go(e.receiverLoop)

	if err := e.initialize(); err != nil {
		e.coord.Stop()
		e.coord.Wait()
		return nil, err
	}
	e.coord.Go(e.heartbeatLoop)
	return e, nil
}

func (e *Engine) initialize() error {
	if err := retry.Do(initRetryAttempts, initRetryDelay, func() error {
		return e.SetTime(time.Now())
	}); err != nil {
		return fmt.Errorf("deviceb: set time: %w", err)
	}
	if err := retry.Do(initRetryAttempts, initRetryDelay, e.StopPollingData); err != nil {
		return fmt.Errorf("deviceb: disable periodic streams: %w", err)
	}
	return nil
}

// Shutdown stops the heartbeat, sender, and receiver workers and blocks
// until all have exited. Device-B has no GOODBYE analogue; SHUT is
// always device-initiated.
func (e *Engine) Shutdown() {
	e.coord.Stop()
	e.coord.Wait()
}

func (e *Engine) emitError(kind event.FaultKind, err error) {
	if e.sink == nil {
		return
	}
	e.sink.Error(&event.Fault{Kind: kind, Err: err})
}

func (e *Engine) send(line []byte) error {
	select {
	case e.cmdCh <- line:
		return nil
	case <-e.coord.Done():
		return fmt.Errorf("deviceb: engine is shutting down")
	}
}

// sendAndReceive writes one line and waits up to timeout for its
// correlated reply. For cmdType "SRPT", the awaited reply type is taken
// from the TYPE parameter rather than "SRPT" itself, per §4.3. Only one
// call may be in flight at a time; concurrent callers serialize behind
// sendMu.
func (e *Engine) sendAndReceive(cmdType string, params map[string]string, timeout time.Duration) (Message, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	awaitType := cmdType
	if cmdType == "SRPT" {
		if t, ok := params["TYPE"]; ok {
			awaitType = t
		}
	}

	sendTime := time.Now()
	if err := e.send(Encode(cmdType, params, "")); err != nil {
		return Message{}, err
	}

	msg, code, ok := e.reg.wait(awaitType, sendTime, timeout, e.coord.Done())
	if !ok {
		return Message{}, &event.Fault{Kind: event.Timeout, Err: fmt.Errorf("deviceb: no reply to %s within %s", cmdType, timeout)}
	}
	if code != "" {
		return Message{}, &event.Fault{Kind: event.DeviceReported, Err: fmt.Errorf("deviceb: device reported error %s for %s", code, awaitType)}
	}
	return msg, nil
}

// fireAndForget writes one line without waiting for a reply.
func (e *Engine) fireAndForget(cmdType string, params map[string]string) error {
	return e.send(Encode(cmdType, params, ""))
}

func (e *Engine) senderLoop() {
	for {
		select {
		case line := <-e.cmdCh:
			if _, err := e.stream.Writer.Write(line); err != nil {
				log.Printf("deviceb: write: %v", err)
				e.emitError(event.TransportFault, err)
				e.coord.Stop()
				return
			}
		case <-e.coord.Done():
			return
		}
	}
}

func (e *Engine) receiverLoop() {
	var r LineReassembler
	r.OnUnrecognized = func(line string) {
		log.Print(errUnrecognizedType(line))
	}
	faults := 0
	for !e.coord.Stopped() {
		b, err := e.stream.Reader.ReadByte()
		if err == io.ErrNoProgress {
			continue
		}
		if err != nil {
			faults++
			log.Printf("deviceb: read (%d/%d consecutive faults): %v", faults, maxConsecutiveFaults, err)
			if faults >= maxConsecutiveFaults {
				e.emitError(event.ReconnectNeeded, err)
				e.coord.Stop()
				return
			}
			continue
		}
		faults = 0

		msg, ok, perr := r.Push(b)
		if perr != nil {
			e.emitError(event.MalformedFrame, perr)
			continue
		}
		if !ok {
			continue
		}
		e.handleMessage(msg)
	}
}

func (e *Engine) handleMessage(msg Message) {
	now := time.Now()

	switch msg.Type {
	case "SHUT":
		if e.sink != nil {
			e.sink.CommandError(event.CommandError{Kind: event.Shutdown, Text: "device reported shutdown"})
		}
		return
	case "EROR", "SERR":
		go e.reportDeviceError(msg, now)
		return
	}

	switch msg.Type {
	case "FIDR", "RDNG", "DRVL", "BATS":
		e.pipelineMu.Lock()
		status, emit := e.pipeline.apply(msg, now)
		e.pipelineMu.Unlock()
		if emit && e.sink != nil {
			e.sink.DataPolled(event.DataPolled{Properties: status.Properties, PPM: status.PPM})
		}
	}
	e.reg.deliver(msg, now)
}

// reportDeviceError runs off the receiver worker's own goroutine:
// resolving a code-21 warmup message means issuing a WUTM request,
// which would deadlock if attempted inline (its reply can only be
// delivered by this same receiver loop).
func (e *Engine) reportDeviceError(msg Message, now time.Time) {
	typ, _ := msg.Param("TYPE")
	code, _ := msg.Param("CODE")
	e.reg.recordError(typ, code, now)

	warmup := ""
	if code == "21" {
		if w, err := e.GetWarmupTime(); err == nil {
			warmup = w
		}
	}
	text := errorText(code, warmup)
	if e.sink == nil {
		return
	}
	e.sink.CommandError(event.CommandError{Kind: event.Message, Text: text})
	if typ == "AIGS" {
		e.sink.CommandError(event.CommandError{Kind: event.AutoIgnitionSequence, Text: text})
	}
}

func (e *Engine) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.fireAndForget("CHEK", nil); err != nil {
				log.Printf("deviceb: heartbeat: %v", err)
			}
		case <-e.coord.Done():
			return
		}
	}
}

// GetFirmwareVersion requests VERS and returns its free-form reply text.
func (e *Engine) GetFirmwareVersion() (string, error) {
	msg, err := e.sendAndReceive("VERS", nil, defaultTimeout)
	if err != nil {
		return "", err
	}
	return msg.UnparsedString, nil
}

// GetWarmupTime requests WUTM and returns its TIME parameter (or its
// raw trailer, if the firmware omits the parameter form).
func (e *Engine) GetWarmupTime() (string, error) {
	msg, err := e.sendAndReceive("WUTM", nil, defaultTimeout)
	if err != nil {
		return "", err
	}
	if v, ok := msg.Param("TIME"); ok {
		return v, nil
	}
	return msg.UnparsedString, nil
}

// SetTime sets the device's real-time clock.
func (e *Engine) SetTime(t time.Time) error {
	_, err := e.sendAndReceive("TIME", map[string]string{"TS": t.Format(rtcFormat)}, defaultTimeout)
	return err
}

// GetTime reads the device's real-time clock.
func (e *Engine) GetTime() (time.Time, error) {
	msg, err := e.sendAndReceive("TIME", nil, defaultTimeout)
	if err != nil {
		return time.Time{}, err
	}
	ts, ok := msg.Param("TS")
	if !ok {
		return time.Time{}, fmt.Errorf("deviceb: TIME reply missing TS parameter")
	}
	return time.Parse(rtcFormat, ts)
}

// SetPeriodicReportingInterval sets TRPT, the shared tick interval for
// whichever streams are currently enabled via PRPT.
func (e *Engine) SetPeriodicReportingInterval(d time.Duration) error {
	_, err := e.sendAndReceive("TRPT", map[string]string{"MS": strconv.FormatInt(d.Milliseconds(), 10)}, defaultTimeout)
	return err
}

// StartPollingData enables all four periodic reading streams
// (FIDR, RDNG, DRVL, BATS) via PRPT.
func (e *Engine) StartPollingData() error {
	return e.setAllStreams(true)
}

// StopPollingData disables all four periodic reading streams.
func (e *Engine) StopPollingData() error {
	return e.setAllStreams(false)
}

func (e *Engine) setAllStreams(on bool) error {
	enable := "0"
	if on {
		enable = "1"
	}
	for _, t := range readingTypes {
		if _, err := e.sendAndReceive("PRPT", map[string]string{"TYPE": t, "ENABLE": enable}, defaultTimeout); err != nil {
			return fmt.Errorf("deviceb: PRPT %s=%s: %w", t, enable, err)
		}
		e.pipelineMu.Lock()
		e.pipeline.setEnabled(t, on)
		e.pipelineMu.Unlock()
	}
	return nil
}

// Ignite starts the auto-ignition sequence. Fire-and-forget: the
// device's own reply (if any) is not awaited.
func (e *Engine) Ignite() error {
	return e.fireAndForget("AIGS", map[string]string{"GO": "1"})
}

// AbortIgnite aborts an in-progress auto-ignition sequence.
// Fire-and-forget.
func (e *Engine) AbortIgnite() error {
	return e.fireAndForget("AIGS", map[string]string{"GO": "0"})
}
