package devicea

import (
	"encoding/binary"
	"fmt"
	"math"
)

// rawStatusExtended is READ_DATA_EXTENDED's payload, decoded straight off
// the wire with no unit conversion or filtering applied yet.
type rawStatusExtended struct {
	FIDTenthsPPM      uint32 // tenths of a ppm
	PicoAmps          int32  // tenths of a picoamp
	ThermoCoupleKTenths uint16 // tenths of a Kelvin
	BatteryVTenths    uint16 // tenths of a volt
	PumpPower         byte   // percent, 0-100
	Flags             byte
	FIDRange          Range
}

func decodeRawStatusExtended(payload []byte) (rawStatusExtended, error) {
	if len(payload) < 15 {
		return rawStatusExtended{}, fmt.Errorf("devicea: short status payload: %d bytes", len(payload))
	}
	return rawStatusExtended{
		FIDTenthsPPM:        binary.LittleEndian.Uint32(payload[0:4]),
		PicoAmps:            int32(binary.LittleEndian.Uint32(payload[4:8])),
		ThermoCoupleKTenths: binary.LittleEndian.Uint16(payload[8:10]),
		BatteryVTenths:      binary.LittleEndian.Uint16(payload[10:12]),
		PumpPower:           payload[12],
		Flags:               payload[13],
		FIDRange:            Range(payload[14]),
	}, nil
}

func (r rawStatusExtended) isPumpA() bool     { return r.Flags&flagPumpA != 0 }
func (r rawStatusExtended) isSolenoidA() bool { return r.Flags&flagSolA != 0 }
func (r rawStatusExtended) isSolenoidB() bool { return r.Flags&flagSolB != 0 }

func (r rawStatusExtended) thermoCoupleF() float64 {
	celsius := float64(r.ThermoCoupleKTenths)/10 - 273.15
	return roundTo(celsius*1.8+32, 1)
}

func (r rawStatusExtended) batteryV() float64 { return float64(r.BatteryVTenths) / 10 }
func (r rawStatusExtended) picoAmps() float64 { return float64(r.PicoAmps) / 10 }
func (r rawStatusExtended) rawPPM() float64   { return float64(r.FIDTenthsPPM) / 10 }

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// roundTiered implements the raw-PPM rounding rule given in §4.2: round
// to 1 decimal, except that a value of 100 or more is rounded to a bare
// integer instead.
func roundTiered(v float64) float64 {
	if v >= 100 {
		return math.Round(v)
	}
	return roundTo(v, 1)
}

// roundLong always rounds to 1 decimal, even at or above 100, unlike
// roundTiered. This preserves a documented inconsistency between the
// long- and short-average rounding rules rather than silently
// normalizing it away; see the PPM rounding entry in DESIGN.md.
func roundLong(v float64) float64 { return roundTo(v, 1) }

// zeroDither tracks consecutive exact-zero PPM readings. The first 5
// zeros pass through unchanged; from the 6th consecutive zero onward,
// 0.1 is substituted so a live display doesn't appear stuck at exactly
// zero.
type zeroDither struct {
	consecutiveZeros int
}

func (z *zeroDither) apply(ppm float64) float64 {
	if ppm != 0 {
		z.consecutiveZeros = 0
		return ppm
	}
	z.consecutiveZeros++
	if z.consecutiveZeros > 5 {
		return 0.1
	}
	return ppm
}

const ignitionThermoCoupleF = 75.0

// ignitionCandidate reports whether raw looks like steady combustion:
// hot thermocouple, solenoid A and pump A both energized.
func (r rawStatusExtended) ignitionCandidate() bool {
	return r.thermoCoupleF() > ignitionThermoCoupleF && r.isSolenoidA() && r.isPumpA()
}

// ignitionHysteresis commits an ignited/extinguished flip only after 3
// consecutive candidates disagree with the previously committed state.
// The very first decoded status is committed directly, bypassing the
// counter.
type ignitionHysteresis struct {
	haveFirst bool
	committed bool
	changedCount int
}

func (h *ignitionHysteresis) apply(candidate bool) bool {
	if !h.haveFirst {
		h.haveFirst = true
		h.committed = candidate
		return h.committed
	}
	if candidate == h.committed {
		h.changedCount = 0
		return h.committed
	}
	h.changedCount++
	if h.changedCount >= 3 {
		h.committed = candidate
		h.changedCount = 0
	}
	return h.committed
}

// junkFilter rejects a decoded status outright when its housekeeping
// fields look implausible, independent of the PPM reading itself. The
// caller is expected to retry on rejection; after 10 consecutive
// rejections the sample is force-accepted rather than stalling forever.
type junkFilter struct {
	consecutiveRejects int
}

func (r rawStatusExtended) isJunk() bool {
	return r.batteryV() > 15 ||
		r.picoAmps() < -10000 ||
		r.thermoCoupleF() < -400 ||
		float64(r.PumpPower) > 100
}

// accept reports whether raw should be decoded into a Status this poll.
func (j *junkFilter) accept(raw rawStatusExtended) bool {
	if !raw.isJunk() {
		j.consecutiveRejects = 0
		return true
	}
	j.consecutiveRejects++
	if j.consecutiveRejects >= 10 {
		j.consecutiveRejects = 0
		return true
	}
	return false
}

// rangeSwitchUpPicoAmps and rangeSwitchDownPicoAmps are compared
// against the raw PicoAmps reading, not the PPM value: the amplifier
// range switches on detector current, not on the derived concentration.
const (
	rangeSwitchUpPicoAmps   = 6500.0
	rangeSwitchDownPicoAmps = 6000.0
)

// rangeSwitcher decides when the amplifier range should move between LO
// and MAX. A single out-of-band sample is enough to trigger a switch;
// there is no hysteresis on range changes the way there is on ignition.
// changeCount is kept, per §9's open question, purely for future
// tunability; the constant it's compared against is 1, so it always
// triggers on the first qualifying sample.
type rangeSwitcher struct {
	current     Range
	changeCount int
}

const rangeChangeThreshold = 1

func (s *rangeSwitcher) next(picoAmps float64) (Range, bool) {
	switch s.current {
	case RangeLO:
		if picoAmps >= rangeSwitchUpPicoAmps {
			s.changeCount++
		} else {
			s.changeCount = 0
		}
	case RangeMAX:
		if picoAmps <= rangeSwitchDownPicoAmps {
			s.changeCount++
		} else {
			s.changeCount = 0
		}
	default:
		return s.current, false
	}
	if s.changeCount < rangeChangeThreshold {
		return s.current, false
	}
	s.changeCount = 0
	switch s.current {
	case RangeLO:
		return RangeMAX, true
	case RangeMAX:
		return RangeLO, true
	default:
		return s.current, false
	}
}

const (
	longAverageCount  = 25
	shortAverageCount = 5
	pastPpmsCap       = 50
	useAvgPercent     = 10.0
)

// ppmWindow maintains the bounded history of raw PPM samples the
// long/short averages and the use-average predicate are computed from.
type ppmWindow struct {
	samples []float64
}

func (w *ppmWindow) push(ppm float64) {
	w.samples = append(w.samples, ppm)
	if len(w.samples) > pastPpmsCap {
		w.samples = w.samples[len(w.samples)-pastPpmsCap:]
	}
}

func tail(v []float64, n int) []float64 {
	if len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func (w *ppmWindow) longAvg() float64  { return roundLong(mean(tail(w.samples, longAverageCount))) }
func (w *ppmWindow) shortAvg() float64 { return roundTiered(mean(tail(w.samples, shortAverageCount))) }

// useAverage reports whether every sample in the short tail lies within
// ±useAvgPercent% of longAvg.
func (w *ppmWindow) useAverage() bool {
	long := w.longAvg()
	short := tail(w.samples, shortAverageCount)
	if len(short) == 0 {
		return false
	}
	tolerance := long * useAvgPercent / 100
	if tolerance < 0 {
		tolerance = -tolerance
	}
	for _, s := range short {
		if s < long-tolerance || s > long+tolerance {
			return false
		}
	}
	return true
}

// Status is one fully decoded, filtered, and converted Device-A reading.
// PPM is negative when the device isn't ignited, matching the wire
// convention that a negative PPM means "not ignited / unavailable".
type Status struct {
	PPM             float64
	PPMLongAverage  float64
	PPMShortAverage float64
	UseAverage      bool
	ThermoCoupleF   float64
	BatteryV        float64
	PicoAmps        float64
	PumpPower       byte
	Ignited         bool
	PumpOn          bool
	Range           Range
}

// Properties projects Status into the event package's generic reading
// shape, keyed the way §6's Device-A status fields are documented.
func (s Status) Properties() map[string]any {
	return map[string]any{
		"RawPpm":          s.PPM,
		"LongAveragePpm":  s.PPMLongAverage,
		"ShortAveragePpm": s.PPMShortAverage,
		"UseAverage":      s.UseAverage,
		"ThermoCouple":    s.ThermoCoupleF,
		"SystemVoltage":   s.BatteryV,
		"PicoAmps":        s.PicoAmps,
		"PumpPower":       s.PumpPower,
		"IsIgnited":       s.Ignited,
		"IsPumpAOn":       s.PumpOn,
		"FIDRange":        s.Range,
	}
}

// reportedPPM applies §4.2's "use average" predicate: longAvg when in
// MAX range and the short tail agrees with it closely enough, shortAvg
// when that agreement holds in any other range, otherwise the raw
// sample; -1 whenever the device isn't ignited.
func reportedPPM(ignited bool, raw float64, w *ppmWindow, rng Range) (float64, float64, float64, bool) {
	long := w.longAvg()
	short := w.shortAvg()
	use := w.useAverage()
	if !ignited {
		return -1, long, short, use
	}
	if use {
		if rng == RangeMAX {
			return long, long, short, use
		}
		return short, long, short, use
	}
	return roundTiered(raw), long, short, use
}

// controlActions reports what, if anything, the engine should do in
// response to one decoded frame.
type controlActions struct {
	RangeChange     Range
	NeedRangeSwitch bool
	PumpSafety      bool
	AdaptAvgUp      bool // switch hardware averaging from 10 to 50 samples
	AdaptAvgDown    bool // switch hardware averaging from 50 to 10 samples
}

// statusPipeline chains the zero-dither, junk filter, averaging window,
// ignition hysteresis, and range switcher across the lifetime of one
// Engine. It is not safe for concurrent use.
type statusPipeline struct {
	dither   zeroDither
	junk     junkFilter
	ignition ignitionHysteresis
	ranger   rangeSwitcher
	window   ppmWindow
	hwAvg    byte // current INTEGRATION_CONTROL samplesToAvg: 10 or 50
}

func newStatusPipeline(initial Range) *statusPipeline {
	return &statusPipeline{ranger: rangeSwitcher{current: initial}, hwAvg: 10}
}

// errJunk reports that raw failed the junk-data filter: the caller
// should retry the poll rather than report anything this tick.
var errJunk = fmt.Errorf("devicea: rejected by junk-data filter")

// Decode turns one READ_DATA_EXTENDED frame into a Status and whatever
// control actions the engine should take as a result. It returns
// errJunk (not a transport error) when the junk-data filter rejects the
// sample; callers should treat that as "try again next tick", not a
// fault worth surfacing loudly.
func (p *statusPipeline) Decode(f Frame) (Status, controlActions, error) {
	raw, err := decodeRawStatusExtended(f.Payload)
	if err != nil {
		return Status{}, controlActions{}, err
	}
	if !p.junk.accept(raw) {
		return Status{}, controlActions{}, errJunk
	}

	rawPPM := p.dither.apply(raw.rawPPM())
	ignited := p.ignition.apply(raw.ignitionCandidate())
	p.window.push(rawPPM)

	ppm, long, short, use := reportedPPM(ignited, rawPPM, &p.window, p.ranger.current)

	var actions controlActions
	if next, switchNow := p.ranger.next(raw.picoAmps()); switchNow {
		actions.RangeChange = next
		actions.NeedRangeSwitch = true
		p.ranger.current = next
	}
	if ignited && raw.PumpPower >= 85 {
		actions.PumpSafety = true
	}
	if raw.picoAmps() <= 100 && p.hwAvg == 10 {
		actions.AdaptAvgUp = true
		p.hwAvg = 50
	} else if raw.picoAmps() > 100 && p.hwAvg == 50 {
		actions.AdaptAvgDown = true
		p.hwAvg = 10
	}

	status := Status{
		PPM:             ppm,
		PPMLongAverage:  long,
		PPMShortAverage: short,
		UseAverage:      use,
		ThermoCoupleF:   raw.thermoCoupleF(),
		BatteryV:        raw.batteryV(),
		PicoAmps:        raw.picoAmps(),
		PumpPower:       raw.PumpPower,
		Ignited:         ignited,
		PumpOn:          raw.isPumpA(),
		Range:           p.ranger.current,
	}
	return status, actions, nil
}
