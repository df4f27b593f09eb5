package deviceb

import (
	"strconv"
	"strings"
	"time"
)

// notIgnitedCalPPM is the exact CALPPM string the firmware sends to mean
// "not ignited, reading unavailable". This is a string comparison, not
// a numeric threshold, because the firmware emits the literal sentinel
// "-100.00" rather than a small or negative number.
const notIgnitedCalPPM = "-100.00"

// lastPpmsCap bounds the host-side PPM history. Averaging itself is
// delegated to firmware (CALPPM is authoritative); the host only keeps
// this window for diagnostics/observability, not for computing a
// reported value the way Device-A's pipeline does.
const lastPpmsCap = 250

// keyToProperty maps a wire parameter key (as sent by RDNG/DRVL/FIDR/
// BATS) to the canonical property name observers see in a DataPolled
// event, per §6's property-name table. CALPPM is the one key attested
// by name in the spec; the rest are assumed to already match their
// canonical names on the wire.
var keyToProperty = map[string]string{
	"CALPPM":             "PPM",
	"PICOAMPS":           "PicoAmps",
	"PAOFFSET":           "PaOffset",
	"HPH2":               "HPH2",
	"LPH2":               "LPH2",
	"SAMPLEPRESSURE":     "SamplePressure",
	"SAMPLEPPL":          "SamplePPL",
	"COMBUSTIONPRESSURE": "CombustionPressure",
	"COMBUSTIONPPL":      "CombustionPPL",
	"VACUUM":             "Vacuum",
	"INTERNALTEMP":       "InternalTemp",
	"EXTERNALTEMP":       "ExternalTemp",
	"CASETEMP":           "CaseTemp",
	"NEEDLEVALVE":        "NeedleValve",
	"HEATER":             "Heater",
	"GLOWPLUG":           "GlowPlug",
	"SOLENOID":           "Solenoid",
	"BATTERYSTATUS":      "BatteryStatus",
	"BATTERYCHARGE":      "BatteryCharge",
	"CURRENT":            "Current",
	"P1TARGET":           "P1Target",
	"P2TARGET":           "P2Target",
	"H2TARGET":           "H2Target",
	"ALTIMETER":          "Altimeter",
	"VOLTS":              "Volts",
}

// pipeline folds successive RDNG/DRVL/FIDR/BATS messages into one
// locked-status map, tracks which of the four reading streams are
// currently enabled, and enforces the single-emit-per-cycle selectivity
// rule. It is not safe for concurrent use; the engine serializes access
// behind its own lock.
type pipeline struct {
	status   map[string]string
	ppm      float64
	lastPpms []float64

	enabled map[string]bool // by readingTypes entry: FIDR, RDNG, DRVL, BATS
}

func newPipeline() *pipeline {
	return &pipeline{
		status:  make(map[string]string),
		enabled: make(map[string]bool, len(readingTypes)),
	}
}

// setEnabled records whether msgType's periodic stream is active, the
// way StartPollingData/StopPollingData and explicit PRPT calls drive
// the selectivity rule below.
func (p *pipeline) setEnabled(msgType string, on bool) {
	p.enabled[msgType] = on
}

// mostSelectiveEnabled reports whether msgType is the highest-priority
// currently-enabled stream in readingTypes, the single stream allowed
// to emit a reading in a given cycle.
func (p *pipeline) mostSelectiveEnabled(msgType string) bool {
	for _, t := range readingTypes {
		if !p.enabled[t] {
			continue
		}
		return t == msgType
	}
	// Nothing explicitly marked enabled (e.g. a one-off SRPT reply):
	// emit unconditionally rather than swallow the only reading we'll
	// see this cycle.
	return true
}

// apply folds one reading message into the locked status map. It
// reports ok=true only when msg.Type is the most selective stream
// currently enabled, so a burst of several reading types in one cycle
// produces exactly one DataPolled event.
func (p *pipeline) apply(msg Message, now time.Time) (Status, bool) {
	switch msg.Type {
	case "RDNG", "DRVL", "FIDR", "BATS":
	default:
		return Status{}, false
	}

	for key, value := range msg.Parameters {
		prop, ok := keyToProperty[strings.ToUpper(key)]
		if !ok {
			continue
		}
		p.status[prop] = value
	}

	if calPPM, ok := msg.Param("CALPPM"); ok {
		ignited := calPPM != notIgnitedCalPPM
		p.status["IsIgnited"] = strconv.FormatBool(ignited)
		if v, err := strconv.ParseFloat(calPPM, 64); err == nil {
			p.ppm = v
			if !ignited {
				p.ppm = -1
			}
			p.pushPpm(p.ppm)
		}
	}
	p.status["Timestamp"] = now.UTC().Format(time.RFC3339)

	if !p.mostSelectiveEnabled(msg.Type) {
		return Status{}, false
	}
	return p.snapshot(), true
}

func (p *pipeline) pushPpm(v float64) {
	p.lastPpms = append(p.lastPpms, v)
	if len(p.lastPpms) > lastPpmsCap {
		p.lastPpms = p.lastPpms[len(p.lastPpms)-lastPpmsCap:]
	}
}

// Status is one readings snapshot: the full locked-status property map
// plus the derived PPM value observers read most often.
type Status struct {
	Properties map[string]string
	PPM        float64
}

func (p *pipeline) snapshot() Status {
	props := make(map[string]string, len(p.status))
	for k, v := range p.status {
		props[k] = v
	}
	return Status{Properties: props, PPM: p.ppm}
}
