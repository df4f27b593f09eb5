// Package devicea implements the binary, checksummed protocol used by
// the Device-A flame-ionization analyzer family: frame encode/decode,
// request/response correlation, periodic polling, and the ignition,
// averaging, and range-switching control logic layered on top of raw
// status readings.
package devicea

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fidlink.dev/bytestream"
	"fidlink.dev/event"
	"fidlink.dev/internal/retry"
	"fidlink.dev/internal/shutdown"
)

const (
	defaultTimeout       = 2 * time.Second
	defaultPollInterval  = 250 * time.Millisecond
	maxConsecutiveFaults = 10
	initRetryAttempts    = 3
	initRetryDelay       = 100 * time.Millisecond
	rangeSettleWait      = 250 * time.Millisecond
)

// Engine owns a single Device-A byte stream for its lifetime, running a
// sender and receiver worker alongside an optional polling worker. All
// exported methods are safe to call from any goroutine.
type Engine struct {
	stream bytestream.Stream
	sink   event.Sink
	reg    *registry
	coord  shutdown.Coordinator

	cmdCh  chan []byte
	sendMu sync.Mutex

	pipelineMu sync.Mutex
	pipeline   *statusPipeline

	pollMu       sync.Mutex
	polling      bool
	pollStop     chan struct{}
	pollInterval time.Duration

	goodbyeSent atomic.Bool
}

// New starts sender and receiver workers bound to stream and runs the
// fixed setup sequence (sampling parameters, integration control,
// deadhead params, H2 pressure compensation), each step wrapped in a
// bounded retry. It returns an error, and a nil *Engine, if any setup
// step never succeeds.
func New(stream bytestream.Stream, sink event.Sink) (*Engine, error) {
	e := &Engine{
		stream:       stream,
		sink:         sink,
		reg:          newRegistry(),
		pipeline:     newStatusPipeline(RangeLO),
		cmdCh:        make(chan []byte, 4),
		pollInterval: defaultPollInterval,
	}
	e.coord.Go(e.senderLoop)
	e.coord.Go(e.receiverLoop)

	if err := e.initialize(); err != nil {
		e.coord.Stop()
		e.coord.Wait()
		return nil, err
	}
	return e, nil
}

// initialize runs the exact, ordered setup sequence the protocol
// requires before polling: sampling range, integration control,
// deadhead protection, and H2 pressure compensation. Each step is
// retried up to initRetryAttempts times before failing construction.
func (e *Engine) initialize() error {
	steps := []struct {
		name string
		id   CmdID
		p    payloader
	}{
		{"set sampling parameters", SetSamplingParameters, SamplingParameters{Range: RangeLO}},
		{"integration control", IntegrationControl, IntegrationParameters{
			Mode: 0, ChargeMultiplier: 1, Range: 7, IntegrationTimeUs: 50000, SamplesToAvg: 10, ReportMode: 0,
		}},
		{"set deadhead params", SetDeadheadParams, DeadheadParams{Enable: true, PressureLimit: 150, Timeout: 100}},
		{"set cal h2 pres compensation", SetCalH2PresCompensation, CalH2PresCompensation{PosPerThousand: -3000, NegPerThousand: 3000}},
	}
	for _, step := range steps {
		step := step
		err := retry.Do(initRetryAttempts, initRetryDelay, func() error {
			_, err := e.sendAndReceive(step.id, step.p, defaultTimeout)
			return err
		})
		if err != nil {
			return fmt.Errorf("devicea: %s: %w", step.name, err)
		}
	}
	return nil
}

// SendGoodbye marks the engine as intentionally disconnecting and
// enqueues GOODBYE without awaiting a reply. After this call, transport
// errors observed by the receiver are treated as an expected
// disconnect rather than raised as faults.
func (e *Engine) SendGoodbye() {
	e.goodbyeSent.Store(true)
	_ = e.send(encodeCommand(Goodbye, emptyPayload{}))
}

// Shutdown sends GOODBYE, stops the polling worker if running, and
// blocks until the sender and receiver workers have both exited. The
// goodbye frame is queued before the shutdown flag is raised so the
// sender worker is guaranteed to flush it before observing Done.
func (e *Engine) Shutdown() {
	e.StopPollingData()
	e.SendGoodbye()
	e.coord.Stop()
	e.coord.Wait()
}

func (e *Engine) emitError(kind event.FaultKind, err error) {
	if e.sink == nil {
		return
	}
	e.sink.Error(&event.Fault{Kind: kind, Err: err})
}

// send enqueues a raw frame for the sender worker, returning promptly if
// the engine is shutting down.
func (e *Engine) send(frame []byte) error {
	select {
	case e.cmdCh <- frame:
		return nil
	case <-e.coord.Done():
		return fmt.Errorf("devicea: engine is shutting down")
	}
}

// sendAndReceive writes one command and waits up to timeout for its
// correlated response. Only one call may be in flight on an Engine at a
// time; concurrent callers serialize behind sendMu the way the
// protocol's single outstanding-request design requires.
func (e *Engine) sendAndReceive(id CmdID, p payloader, timeout time.Duration) (Frame, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := e.send(encodeCommand(id, p)); err != nil {
		return Frame{}, err
	}

	f, ok := e.reg.wait(id, timeout, e.coord.Done())
	if !ok {
		return Frame{}, &event.Fault{Kind: event.Timeout, Err: fmt.Errorf("devicea: no reply to %#x within %s", id, timeout)}
	}
	return f, nil
}

// fireAndForget writes one command without waiting for, or even
// expecting, a correlated reply. The shape Ignite and Goodbye use.
func (e *Engine) fireAndForget(id CmdID, p payloader) error {
	return e.send(encodeCommand(id, p))
}

func (e *Engine) senderLoop() {
	for {
		// Queued commands (notably a Shutdown-triggered goodbye) take
		// priority over an already-closed Done: a plain select between
		// the two would pick pseudo-randomly once both are ready and
		// could drop the last queued frame.
		select {
		case cmd := <-e.cmdCh:
			if !e.writeCommand(cmd) {
				return
			}
			continue
		default:
		}
		select {
		case cmd := <-e.cmdCh:
			if !e.writeCommand(cmd) {
				return
			}
		case <-e.coord.Done():
			return
		}
	}
}

func (e *Engine) writeCommand(cmd []byte) bool {
	if _, err := e.stream.Writer.Write(cmd); err != nil {
		if !e.goodbyeSent.Load() {
			log.Printf("devicea: write: %v", err)
			e.emitError(event.TransportFault, err)
		}
		e.coord.Stop()
		return false
	}
	return true
}

func (e *Engine) receiverLoop() {
	var d Deframer
	faults := 0
	for !e.coord.Stopped() {
		b, err := e.stream.Reader.ReadByte()
		if err == io.ErrNoProgress {
			continue // read timeout, nothing received yet
		}
		if err != nil {
			if e.goodbyeSent.Load() {
				// Expected disconnect: absorb silently.
				e.coord.Stop()
				return
			}
			faults++
			log.Printf("devicea: read (%d/%d consecutive faults): %v", faults, maxConsecutiveFaults, err)
			if faults >= maxConsecutiveFaults {
				e.emitError(event.ReconnectNeeded, err)
				e.coord.Stop()
				return
			}
			continue
		}
		faults = 0

		f, ok := d.Push(b)
		if !ok {
			continue
		}
		if f.CmdID == Goodbye {
			if e.sink != nil {
				e.sink.CommandError(event.CommandError{Kind: event.Shutdown, Text: "device said goodbye"})
			}
			continue
		}
		e.reg.deliver(f)
	}
}

// StartPollingData begins issuing READ_DATA_EXTENDED on interval,
// decoding each reply and delivering a DataPolled event. Calling it
// again while already polling is a no-op. If a prior poll is still
// waiting for its reply when the next tick fires, that tick is skipped
// rather than stacking up a second in-flight request.
func (e *Engine) StartPollingData(interval time.Duration) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if e.polling {
		return
	}
	if interval <= 0 {
		interval = e.pollInterval
	}
	e.polling = true
	e.pollStop = make(chan struct{})
	stop := e.pollStop
	e.coord.Go(func() { e.pollLoop(interval, stop) })
}

// StopPollingData halts the polling worker started by StartPollingData.
func (e *Engine) StopPollingData() {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if !e.polling {
		return
	}
	close(e.pollStop)
	e.polling = false
}

func (e *Engine) pollLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var inFlight atomic.Bool
	for {
		select {
		case <-ticker.C:
			if !inFlight.CompareAndSwap(false, true) {
				continue // previous tick hasn't replied yet
			}
			e.pollOnce()
			inFlight.Store(false)
		case <-stop:
			return
		case <-e.coord.Done():
			return
		}
	}
}

func (e *Engine) pollOnce() {
	f, err := e.sendAndReceive(ReadDataExtended, emptyPayload{}, defaultTimeout)
	if err != nil {
		if fault, ok := err.(*event.Fault); ok {
			e.emitError(fault.Kind, fault.Err)
		} else {
			e.emitError(event.TransportFault, err)
		}
		return
	}

	e.pipelineMu.Lock()
	status, actions, err := e.pipeline.Decode(f)
	e.pipelineMu.Unlock()
	if err != nil {
		if err == errJunk {
			e.emitError(event.SuspectData, err)
		} else {
			e.emitError(event.MalformedFrame, err)
		}
		return
	}

	e.applyControlActions(actions)

	if e.sink != nil {
		e.sink.DataPolled(event.DataPolled{
			Properties: stringifyProperties(status.Properties()),
			PPM:        status.PPM,
		})
	}
}

func stringifyProperties(props map[string]any) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func (e *Engine) applyControlActions(a controlActions) {
	if a.NeedRangeSwitch {
		if _, err := e.sendAndReceive(SetSamplingParameters, SamplingParameters{Range: a.RangeChange}, defaultTimeout); err != nil {
			log.Printf("devicea: range switch to %v failed: %v", a.RangeChange, err)
		} else {
			time.Sleep(rangeSettleWait)
		}
	}
	if a.PumpSafety {
		_ = e.fireAndForget(SetPumpAClosedLoop, PumpAClosedLoop{Enable: 0, Target: 0})
		_ = e.fireAndForget(PumpAux1Control, PumpAux1ControlParams{ID: 0, Power: 0, Kick: 0})
		e.emitError(event.PumpSafety, fmt.Errorf("devicea: pump power safety cutoff triggered"))
	}
	if a.AdaptAvgUp || a.AdaptAvgDown {
		samples := byte(10)
		if a.AdaptAvgUp {
			samples = 50
		}
		params := IntegrationParameters{Mode: 0, ChargeMultiplier: 1, Range: 7, IntegrationTimeUs: 50000, SamplesToAvg: samples, ReportMode: 0}
		if _, err := e.sendAndReceive(IntegrationControl, params, defaultTimeout); err != nil {
			log.Printf("devicea: adaptive averaging to %d samples failed: %v", samples, err)
		}
	}
}

// Ignite sends the fixed ignition recipe described in §4.1: fixed
// pressure/temperature/timing targets with only start_stop varying.
// Fire-and-forget: the device's own reply (if any) is not awaited.
func (e *Engine) Ignite() error {
	recipe := defaultIgnitionRecipe
	recipe.StartStop = true
	return e.fireAndForget(AutoIgnitionSequence, recipe)
}

// Extinguish sends the same ignition command with StartStop cleared,
// asking the device to end combustion. Also fire-and-forget.
func (e *Engine) Extinguish() error {
	recipe := defaultIgnitionRecipe
	recipe.StartStop = false
	return e.fireAndForget(AutoIgnitionSequence, recipe)
}
