package deviceb

import "fmt"

// errUnrecognizedType wraps one line discarded by the reassembler's
// resync logic as a loggable error, for LineReassembler.OnUnrecognized.
func errUnrecognizedType(line string) error {
	return fmt.Errorf("deviceb: unrecognized line %q", line)
}

// recognizedTypes lists the message type tags the device ever sends or
// accepts. Anything else seen on the wire is a framing error, handled by
// the line reassembler's resync logic rather than here.
var recognizedTypes = map[string]bool{
	"CHEK": true, // comm check / heartbeat
	"PRPT": true, // enable/disable periodic reporting for a stream
	"TRPT": true, // periodic reporting interval
	"SRPT": true, // single report request, remapped to its TYPE parameter
	"RDNG": true, // PPM/process readings
	"DRVL": true, // drive levels
	"TIME": true, // real-time clock get/set
	"FIDR": true, // FID readings
	"EROR": true, // error response to an in-flight request
	"SERR": true, // spontaneous, severe error
	"VERS": true, // firmware version
	"SHUT": true, // device-initiated shutdown notice
	"AIGS": true, // auto-ignition sequence start/abort
	"BATS": true, // battery status
	"WUTM": true, // warmup time remaining
}

// readingTypes are the spontaneous streams the readings pipeline
// consumes, most selective first. A DataPolled event fires for the
// highest-priority type currently enabled, so a burst of several
// streams in one cycle emits exactly once.
var readingTypes = []string{"FIDR", "RDNG", "DRVL", "BATS"}

// errorCodeText maps a firmware error code (the EROR/SERR CODE
// parameter) to the operator-facing text the device associates with it.
// Only 22 is attested verbatim by a documented scenario; the rest are
// plausible fixed strings for their named condition.
var errorCodeText = map[string]string{
	"5":  "Detector over-range",
	"18": "Ignition sequence aborted",
	"19": "Sample pump stall detected",
	"20": "Combustion pressure fault",
	"21": "Warming up",
	"22": "I can't run on H2 this low! Feed ME!",
	"24": "Calibration drift exceeded",
}

// errorText resolves an EROR/SERR message's CODE parameter to its
// operator-facing text. Code 21 additionally carries the warmup time
// fetched via WUTM, when known. Unrecognized codes fall back to the raw
// code rather than panicking on a firmware revision this dictionary
// hasn't caught up with.
func errorText(code string, warmup string) string {
	text, ok := errorCodeText[code]
	if !ok {
		return fmt.Sprintf("unrecognized error code %s", code)
	}
	if code == "21" && warmup != "" {
		return fmt.Sprintf("%s, ready in %s", text, warmup)
	}
	return text
}
