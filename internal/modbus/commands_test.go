package modbus

import (
	"bytes"
	"sort"
	"testing"
)

func TestEncodePresetFrames(t *testing.T) {
	tests := []struct {
		name     string
		register uint16
		value    uint16
	}{
		{"REGDisableUSBOutput", RegUSBOutput, 0},
		{"REGEnableUSBOutput", RegUSBOutput, 1},
		{"REGDisableDCOutput", RegDCOutput, 0},
		{"REGEnableDCOutput", RegDCOutput, 1},
		{"REGDisableACOutput", RegACOutput, 0},
		{"REGEnableACOutput", RegACOutput, 1},
		{"REGDisableLED", RegLED, 0},
		{"REGEnableLEDAlways", RegLED, 1},
		{"REGEnableLEDSOS", RegLED, 2},
		{"REGEnableLEDFlash", RegLED, 3},
		{"REGDisableACSilentChg", RegACSilentCharging, 0},
		{"REGEnableACSilentChg", RegACSilentCharging, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(DefaultSlaveAddress, PresetCommand(tt.name))
			if err != nil {
				t.Fatalf("Encode(%s) error: %v", tt.name, err)
			}
			want, err := EncodeWrite(DefaultSlaveAddress, tt.register, tt.value)
			if err != nil {
				t.Fatalf("EncodeWrite(%d, %d) error: %v", tt.register, tt.value, err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("Encode(%s) = % X, expected % X", tt.name, got, want)
			}
		})
	}
}

func TestEncodeRequestSettings(t *testing.T) {
	got, err := Encode(DefaultSlaveAddress, PresetCommand(RequestSettingsName))
	if err != nil {
		t.Fatalf("Encode(%s) error: %v", RequestSettingsName, err)
	}
	want := EncodeRead(DefaultSlaveAddress, DefaultRegisterCount)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(%s) = % X, expected read frame % X", RequestSettingsName, got, want)
	}
	if got[1] != funcReadHolding {
		t.Errorf("function code = %d, expected %d", got[1], funcReadHolding)
	}
}

func TestEncodeUnknownPreset(t *testing.T) {
	if _, err := Encode(DefaultSlaveAddress, PresetCommand("REGMakeCoffee")); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestEncodeRawWriteCommand(t *testing.T) {
	got, err := Encode(DefaultSlaveAddress, WriteRegisterCommand(RegMaximumChargingCurrent, 5))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	want, _ := EncodeWrite(DefaultSlaveAddress, RegMaximumChargingCurrent, 5)
	if !bytes.Equal(got, want) {
		t.Errorf("Encode raw write = % X, expected % X", got, want)
	}
}

func TestEncodeRawWriteRejected(t *testing.T) {
	if _, err := Encode(DefaultSlaveAddress, WriteRegisterCommand(RegMaximumChargingCurrent, 21)); err == nil {
		t.Error("expected allowlist rejection for current 21")
	}
}

func TestPreEncodedFrames(t *testing.T) {
	frames := map[string][]byte{
		RequestSettingsName:     REGRequestSettings,
		"REGDisableUSBOutput":   REGDisableUSBOutput,
		"REGEnableUSBOutput":    REGEnableUSBOutput,
		"REGDisableDCOutput":    REGDisableDCOutput,
		"REGEnableDCOutput":     REGEnableDCOutput,
		"REGDisableACOutput":    REGDisableACOutput,
		"REGEnableACOutput":     REGEnableACOutput,
		"REGDisableLED":         REGDisableLED,
		"REGEnableLEDAlways":    REGEnableLEDAlways,
		"REGEnableLEDSOS":       REGEnableLEDSOS,
		"REGEnableLEDFlash":     REGEnableLEDFlash,
		"REGDisableACSilentChg": REGDisableACSilentChg,
		"REGEnableACSilentChg":  REGEnableACSilentChg,
	}

	for name, frame := range frames {
		if len(frame) != 8 {
			t.Errorf("%s: frame length %d, expected 8", name, len(frame))
			continue
		}
		if frame[0] != DefaultSlaveAddress {
			t.Errorf("%s: slave address %d, expected %d", name, frame[0], DefaultSlaveAddress)
		}
		if !VerifyCRC(frame) {
			t.Errorf("%s: CRC check failed on % X", name, frame)
		}
		want, err := Encode(DefaultSlaveAddress, PresetCommand(name))
		if err != nil {
			t.Errorf("%s: Encode error: %v", name, err)
			continue
		}
		if !bytes.Equal(frame, want) {
			t.Errorf("%s: pre-encoded frame % X differs from Encode output % X", name, frame, want)
		}
	}
}

func TestKnownCommand(t *testing.T) {
	for _, name := range []string{RequestSettingsName, "REGEnableACOutput", "REGDisableLED"} {
		if !KnownCommand(name) {
			t.Errorf("KnownCommand(%s) = false", name)
		}
	}
	for _, name := range []string{"", "REGEnableACOutput ", "enableACOutput"} {
		if KnownCommand(name) {
			t.Errorf("KnownCommand(%q) = true", name)
		}
	}
}

func TestCommandNamesComplete(t *testing.T) {
	names := CommandNames()
	if len(names) != 13 {
		t.Fatalf("CommandNames returned %d entries, expected 13", len(names))
	}
	sort.Strings(names)
	for _, name := range names {
		if !KnownCommand(name) {
			t.Errorf("listed command %s not known", name)
		}
	}
}
