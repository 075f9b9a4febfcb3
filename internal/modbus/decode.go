package modbus

import (
	"strings"
)

// Topic suffixes the devices publish register dumps on.
const (
	topicSensorView   = "device/response/client/04"
	topicSettingsView = "device/response/client/data"
)

// MQTT payloads carry a fixed prefix before the register bytes.
const payloadHeaderLen = 6

// Register counts: fewer than minRegisters carries nothing usable; a full
// dump is fullRegisters.
const (
	minRegisters  = 57
	fullRegisters = 81
)

// DeviceState maps attribute names to scalar values (int, float64 or bool).
type DeviceState map[string]interface{}

// DecodePayload strips the MQTT header prefix from a raw payload, splits the
// remainder into big-endian registers and parses them according to the topic.
// It never fails: malformed payloads yield an empty map.
func DecodePayload(payload []byte, topic string) DeviceState {
	if len(payload) < payloadHeaderLen+2 {
		return DeviceState{}
	}
	data := payload[payloadHeaderLen:]
	if len(data)%2 != 0 {
		return DeviceState{}
	}
	regs := make([]uint16, len(data)/2)
	for i := range regs {
		regs[i] = HighLowToInt(data[2*i], data[2*i+1])
	}
	return ParseRegisters(regs, topic)
}

// ParseRegisters decodes a register dump into device attributes. The topic
// selects the view: `.../client/04` is the sensor view, `.../client/data`
// the settings view. Partial dumps of at least 57 registers yield only the
// state of charge. Anything else yields an empty map.
func ParseRegisters(regs []uint16, topic string) DeviceState {
	state := DeviceState{}
	sensor := strings.Contains(topic, topicSensorView)
	settings := strings.Contains(topic, topicSettingsView)
	if !sensor && !settings {
		return state
	}
	if len(regs) < minRegisters {
		return state
	}

	if len(regs) < fullRegisters {
		// Partial update: state of charge only, plus slave packs if present.
		state["soc"] = permilleToPercent(regs[RegStateOfCharge])
		addSlavePackSOC(state, regs)
		return state
	}

	switch {
	case sensor:
		state["soc"] = permilleToPercent(regs[RegStateOfCharge])
		state["dcInput"] = int(regs[RegDCInput])
		state["totalInput"] = int(regs[RegTotalInput])
		state["totalOutput"] = int(regs[RegTotalOutput])
		state["acOutputVoltage"] = scale(regs[RegACOutputVoltage], 10)
		state["acOutputFrequency"] = scale(regs[RegACOutputFrequency], 10)
		state["acInputVoltage"] = scale(regs[RegACInputVoltage], 10)
		// The input frequency register reports centihertz, unlike its output
		// counterpart.
		state["acInputFrequency"] = scale(regs[RegACInputFrequency], 100)

		// Register 41 is a bitfield; reading the zero-padded 16-bit binary
		// string from the MSB side, positions 3..6 are LED, AC, DC, USB.
		outputs := regs[RegActiveOutputList]
		state["ledOutput"] = outputs&(1<<12) != 0
		state["acOutput"] = outputs&(1<<11) != 0
		state["dcOutput"] = outputs&(1<<10) != 0
		state["usbOutput"] = outputs&(1<<9) != 0

		addSlavePackSOC(state, regs)

	case settings:
		state["acChargingRate"] = int(regs[RegACChargingRate])
		state["maximumChargingCurrent"] = int(regs[RegMaximumChargingCurrent])
		state["acSilentCharging"] = regs[RegACSilentCharging] == 1
		state["usbStandbyTime"] = int(regs[RegUSBStandbyTime])
		state["acStandbyTime"] = int(regs[RegACStandbyTime])
		state["dcStandbyTime"] = int(regs[RegDCStandbyTime])
		state["screenRestTime"] = int(regs[RegScreenRestTime])
		state["stopChargeAfter"] = int(regs[RegStopChargeAfter])
		state["dischargeLowerLimit"] = scale(regs[RegDischargeLowerLimit], 10)
		state["acChargingUpperLimit"] = scale(regs[RegACChargingUpperLimit], 10)
		state["wholeMachineUnusedTime"] = int(regs[RegSleepTime])
	}
	return state
}

// addSlavePackSOC emits the slave battery pack SoCs. A zero raw register
// means the pack is absent and the key is suppressed. The -1 bias after
// permille conversion matches the vendor app; the firmware reason for it is
// undocumented.
func addSlavePackSOC(state DeviceState, regs []uint16) {
	if len(regs) > RegSlavePack1SOC && regs[RegSlavePack1SOC] != 0 {
		state["soc_s1"] = permilleToPercent(regs[RegSlavePack1SOC]) - 1
	}
	if len(regs) > RegSlavePack2SOC && regs[RegSlavePack2SOC] != 0 {
		state["soc_s2"] = permilleToPercent(regs[RegSlavePack2SOC]) - 1
	}
}

// permilleToPercent converts a permille register to a one-decimal
// percentage.
func permilleToPercent(v uint16) float64 {
	return float64(v) / 10
}

func scale(v uint16, divisor float64) float64 {
	return float64(v) / divisor
}
