package modbus

import (
	"fmt"

	"github.com/iamslan/fossibot/internal/errors"
)

// Command is the operation a caller wants a device to perform: either a
// named preset from the catalogue or a raw register write. Exactly one
// variant is set.
type Command struct {
	Preset   string
	Register uint16
	Value    uint16
	IsWrite  bool
}

// PresetCommand selects a catalogue entry by name.
func PresetCommand(name string) Command {
	return Command{Preset: name}
}

// WriteRegisterCommand requests a raw register write, subject to the
// allowlist.
func WriteRegisterCommand(register, value uint16) Command {
	return Command{Register: register, Value: value, IsWrite: true}
}

// preset pairs a writable register with the raw value a catalogue name
// stands for.
type preset struct {
	register uint16
	value    uint16
}

// presetWrites is the catalogue of named write commands. The read-settings
// request is handled separately since it is a read frame.
var presetWrites = map[string]preset{
	"REGDisableUSBOutput":  {RegUSBOutput, 0},
	"REGEnableUSBOutput":   {RegUSBOutput, 1},
	"REGDisableDCOutput":   {RegDCOutput, 0},
	"REGEnableDCOutput":    {RegDCOutput, 1},
	"REGDisableACOutput":   {RegACOutput, 0},
	"REGEnableACOutput":    {RegACOutput, 1},
	"REGDisableLED":        {RegLED, 0},
	"REGEnableLEDAlways":   {RegLED, 1},
	"REGEnableLEDSOS":      {RegLED, 2},
	"REGEnableLEDFlash":    {RegLED, 3},
	"REGDisableACSilentChg": {RegACSilentCharging, 0},
	"REGEnableACSilentChg":  {RegACSilentCharging, 1},
}

// RequestSettingsName is the catalogue name of the read-settings request.
const RequestSettingsName = "REGRequestSettings"

// Encode turns a command into wire bytes for the given slave address. Every
// write, preset or raw, passes through the allowlist.
func Encode(slave uint8, cmd Command) ([]byte, error) {
	if cmd.IsWrite {
		return EncodeWrite(slave, cmd.Register, cmd.Value)
	}
	if cmd.Preset == RequestSettingsName {
		return EncodeRead(slave, DefaultRegisterCount), nil
	}
	p, ok := presetWrites[cmd.Preset]
	if !ok {
		return nil, errors.NewProtocolError("encode command",
			fmt.Errorf("unknown command %q", cmd.Preset))
	}
	return EncodeWrite(slave, p.register, p.value)
}

// KnownCommand reports whether name is in the catalogue.
func KnownCommand(name string) bool {
	if name == RequestSettingsName {
		return true
	}
	_, ok := presetWrites[name]
	return ok
}

// CommandNames lists the catalogue, for façade-level validation and help
// output.
func CommandNames() []string {
	names := make([]string, 0, len(presetWrites)+1)
	names = append(names, RequestSettingsName)
	for name := range presetWrites {
		names = append(names, name)
	}
	return names
}

// Pre-encoded frames for the default slave address, computed at program
// start. Initialisation panics if any catalogue entry fails validation, so a
// binary with an unsafe preset never comes up.
var (
	REGRequestSettings = EncodeRead(DefaultSlaveAddress, DefaultRegisterCount)

	REGDisableUSBOutput   = mustEncode("REGDisableUSBOutput")
	REGEnableUSBOutput    = mustEncode("REGEnableUSBOutput")
	REGDisableDCOutput    = mustEncode("REGDisableDCOutput")
	REGEnableDCOutput     = mustEncode("REGEnableDCOutput")
	REGDisableACOutput    = mustEncode("REGDisableACOutput")
	REGEnableACOutput     = mustEncode("REGEnableACOutput")
	REGDisableLED         = mustEncode("REGDisableLED")
	REGEnableLEDAlways    = mustEncode("REGEnableLEDAlways")
	REGEnableLEDSOS       = mustEncode("REGEnableLEDSOS")
	REGEnableLEDFlash     = mustEncode("REGEnableLEDFlash")
	REGDisableACSilentChg = mustEncode("REGDisableACSilentChg")
	REGEnableACSilentChg  = mustEncode("REGEnableACSilentChg")
)

func mustEncode(name string) []byte {
	frame, err := Encode(DefaultSlaveAddress, PresetCommand(name))
	if err != nil {
		panic(fmt.Sprintf("modbus: preset %s: %v", name, err))
	}
	return frame
}
