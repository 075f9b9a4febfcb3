package modbus

import (
	"fmt"
	"sort"
	"strings"
)

// Defaults used when the cloud device record carries no Modbus hints.
const (
	DefaultSlaveAddress  = 17
	DefaultRegisterCount = 80
)

// Register addresses observed on Fossibot/Sydpower firmware. Values are
// 16-bit big-endian holding registers.
const (
	RegDCInput                = 4
	RegTotalInput             = 6
	RegACChargingRate         = 13
	RegACOutputVoltage        = 18
	RegACOutputFrequency      = 19
	RegMaximumChargingCurrent = 20
	RegACInputVoltage         = 21
	RegACInputFrequency       = 22
	RegUSBOutput              = 24
	RegDCOutput               = 25
	RegACOutput               = 26
	RegLED                    = 27
	RegTotalOutput            = 39
	RegActiveOutputList       = 41
	RegSlavePack1SOC          = 53
	RegSlavePack2SOC          = 55
	RegStateOfCharge          = 56
	RegACSilentCharging       = 57
	RegUSBStandbyTime         = 59
	RegACStandbyTime          = 60
	RegDCStandbyTime          = 61
	RegScreenRestTime         = 62
	RegStopChargeAfter        = 63
	RegDischargeLowerLimit    = 66
	RegACChargingUpperLimit   = 67
	RegSleepTime              = 68
)

// ValueSet is the exact set of raw values a writable register accepts,
// either a discrete set or an inclusive range.
type ValueSet struct {
	values   map[uint16]struct{}
	min, max uint16
	isRange  bool
}

// Discrete builds a ValueSet from an explicit list of permitted values.
func Discrete(vals ...uint16) ValueSet {
	m := make(map[uint16]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return ValueSet{values: m}
}

// Range builds a ValueSet permitting every value in [min, max].
func Range(min, max uint16) ValueSet {
	return ValueSet{min: min, max: max, isRange: true}
}

// Contains reports whether v is a permitted raw value.
func (s ValueSet) Contains(v uint16) bool {
	if s.isRange {
		return v >= s.min && v <= s.max
	}
	_, ok := s.values[v]
	return ok
}

// String describes the permitted set for error messages.
func (s ValueSet) String() string {
	if s.isRange {
		return fmt.Sprintf("%d..%d", s.min, s.max)
	}
	vals := make([]int, 0, len(s.values))
	for v := range s.values {
		vals = append(vals, int(v))
	}
	sort.Ints(vals)
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// WritableRegisters is the safety allowlist: every register address the
// encoder may write, mapped to the exact set of permitted raw values. The
// firmware does not clamp writes, so an out-of-range value can physically
// damage a device. Registers absent from this map are refused outright.
var WritableRegisters = map[uint16]ValueSet{
	RegMaximumChargingCurrent: Range(1, 20),                       // amps
	RegUSBOutput:              Discrete(0, 1),
	RegDCOutput:               Discrete(0, 1),
	RegACOutput:               Discrete(0, 1),
	RegLED:                    Discrete(0, 1, 2, 3),               // off/always/sos/flash
	RegACSilentCharging:       Discrete(0, 1),
	RegUSBStandbyTime:         Discrete(0, 3, 5, 10, 30),          // minutes
	RegACStandbyTime:          Discrete(0, 480, 960, 1440),        // minutes
	RegDCStandbyTime:          Discrete(0, 480, 960, 1440),        // minutes
	RegScreenRestTime:         Discrete(0, 180, 300, 600, 1800),   // seconds
	RegStopChargeAfter:        Range(0, 1000),                     // permille
	RegDischargeLowerLimit:    Range(0, 1000),                     // permille
	RegACChargingUpperLimit:   Range(0, 1000),                     // permille
	RegSleepTime:              Discrete(5, 10, 30, 480),           // minutes
}
