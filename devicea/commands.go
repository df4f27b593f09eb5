package devicea

import "encoding/binary"

// Sync bytes distinguish a host-issued command from a device response.
const (
	syncCommand  byte = 0x5a
	syncResponse byte = 0xa5
)

// CmdID identifies a Device-A command/response family.
type CmdID byte

const (
	SetSamplingParameters     CmdID = 0x04
	ConfigurationRead         CmdID = 0x0a
	IntegrationControl        CmdID = 0x0c
	PumpAux1Control           CmdID = 0x1b
	SetPumpAClosedLoop        CmdID = 0x1d
	SetDeadheadParams         CmdID = 0x1e
	AutoIgnitionSequence      CmdID = 0x20
	SetCalH2PresCompensation  CmdID = 0x24
	ReadDataExtended          CmdID = 0x25
	Goodbye                   CmdID = 0x26
)

// Range is a FID amplifier sensitivity band. Only LO and MAX are ever
// switched to automatically; MID and HI exist on the wire but are not
// driven by this engine's control logic.
type Range byte

const (
	RangeLO  Range = 0
	RangeMID Range = 1
	RangeHI  Range = 2
	RangeMAX Range = 3
)

// Status flag bits packed into FIDM_STATUS_EXTENDED's flags byte.
const (
	flagPumpA byte = 0x01
	flagSolA  byte = 0x04
	flagSolB  byte = 0x08
)

// payloader is implemented by every command's payload struct.
type payloader interface {
	payload() []byte
}

// emptyPayload is used by commands with no payload (READ_DATA_EXTENDED,
// GOODBYE).
type emptyPayload struct{}

func (emptyPayload) payload() []byte { return nil }

// SamplingParameters is SET_SAMPLING_PARAMETERS' payload.
type SamplingParameters struct {
	Range Range
}

func (p SamplingParameters) payload() []byte { return []byte{byte(p.Range)} }

// IntegrationParameters is INTEGRATION_CONTROL's payload. Range here is
// the device's internal integration-control band selector, a distinct
// parameter from the FIDRange reported in status and driven by
// SamplingParameters.
type IntegrationParameters struct {
	Mode              byte
	ChargeMultiplier  byte
	Range             byte
	IntegrationTimeUs uint32
	SamplesToAvg      byte
	ReportMode        byte
}

func (p IntegrationParameters) payload() []byte {
	buf := make([]byte, 9)
	buf[0] = p.Mode
	buf[1] = p.ChargeMultiplier
	buf[2] = p.Range
	binary.LittleEndian.PutUint32(buf[3:7], p.IntegrationTimeUs)
	buf[7] = p.SamplesToAvg
	buf[8] = p.ReportMode
	return buf
}

// DeadheadParams is SET_DEADHEAD_PARAMS' payload.
type DeadheadParams struct {
	Enable        bool
	PressureLimit uint16
	Timeout       uint16
}

func (p DeadheadParams) payload() []byte {
	buf := make([]byte, 5)
	if p.Enable {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], p.PressureLimit)
	binary.LittleEndian.PutUint16(buf[3:5], p.Timeout)
	return buf
}

// CalH2PresCompensation is SET_CAL_H2PRES_COMPENSATION's payload.
// Both fields are signed fixed-point fractions in units of 1/10000, so
// the setup values -3000 and +3000 stand for -0.3 and +0.3.
type CalH2PresCompensation struct {
	PosPerThousand int16
	NegPerThousand int16
}

func (p CalH2PresCompensation) payload() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.PosPerThousand))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.NegPerThousand))
	return buf
}

// IgnitionSequence is AUTO_IGNITION_SEQUENCE's payload.
type IgnitionSequence struct {
	TargetHPSI        uint16
	ToleranceHPSI     uint16
	MinTempRiseTK     uint16
	MaxPressureWaitMs uint16
	MaxIgniteWaitMs   uint16
	SolBDelayMs       uint16
	PrePurgePumpMs    uint16
	PrePurgeSolAMs    uint16
	StartStop         bool
	UseGlowPlugB      byte
}

func (p IgnitionSequence) payload() []byte {
	buf := make([]byte, 18)
	binary.LittleEndian.PutUint16(buf[0:2], p.TargetHPSI)
	binary.LittleEndian.PutUint16(buf[2:4], p.ToleranceHPSI)
	binary.LittleEndian.PutUint16(buf[4:6], p.MinTempRiseTK)
	binary.LittleEndian.PutUint16(buf[6:8], p.MaxPressureWaitMs)
	binary.LittleEndian.PutUint16(buf[8:10], p.MaxIgniteWaitMs)
	binary.LittleEndian.PutUint16(buf[10:12], p.SolBDelayMs)
	binary.LittleEndian.PutUint16(buf[12:14], p.PrePurgePumpMs)
	binary.LittleEndian.PutUint16(buf[14:16], p.PrePurgeSolAMs)
	if p.StartStop {
		buf[16] = 1
	}
	buf[17] = p.UseGlowPlugB
	return buf
}

// defaultIgnitionRecipe is the fixed ignition recipe §4.1 specifies for
// Ignite; only StartStop (and rarely UseGlowPlugB) varies per call.
var defaultIgnitionRecipe = IgnitionSequence{
	TargetHPSI:        175,
	ToleranceHPSI:     5,
	MinTempRiseTK:     10,
	MaxPressureWaitMs: 10000,
	MaxIgniteWaitMs:   5000,
	SolBDelayMs:       1000,
	PrePurgePumpMs:    5000,
	PrePurgeSolAMs:    5000,
}

// PumpAux1ControlParams is PUMP_AUX_1_CONTROL's payload.
type PumpAux1ControlParams struct {
	ID    byte
	Power byte
	Kick  byte
}

func (p PumpAux1ControlParams) payload() []byte { return []byte{p.ID, p.Power, p.Kick} }

// PumpAClosedLoop is SET_PUMPA_CLOSED_LOOP's payload.
type PumpAClosedLoop struct {
	Enable byte
	Target byte
}

func (p PumpAClosedLoop) payload() []byte { return []byte{p.Enable, p.Target} }

// encodeCommand builds a complete outbound frame: sync, declared
// length, cmd id, payload, and a trailing checksum byte. The declared
// length counts everything including the checksum slot.
func encodeCommand(id CmdID, p payloader) []byte {
	body := p.payload()
	headerLen := 3 + len(body) // sync + length + cmd id + payload
	buf := make([]byte, headerLen+1)
	buf[0] = syncCommand
	buf[1] = byte(headerLen + 1)
	buf[2] = byte(id)
	copy(buf[3:], body)
	buf[headerLen] = Checksum(buf[:headerLen])
	return buf
}
