package ble

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func gattChar(uuid string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		gattCharIface: {"UUID": dbus.MakeVariant(uuid)},
	}
}

func TestFindGattCharacteristic(t *testing.T) {
	objects := managedObjects{
		"/org/bluez/hci0": {
			"org.bluez.Adapter1": {"Powered": dbus.MakeVariant(true)},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {
			"org.bluez.Device1": {"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF")},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000b": gattChar(WriteCharUUID),
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000d": gattChar(NotifyCharUUID),
		// Same characteristic on another device must not match.
		"/org/bluez/hci0/dev_11_22_33_44_55_66/service000a/char000b": gattChar(WriteCharUUID),
	}

	tests := []struct {
		name     string
		addr     string
		charUUID string
		want     dbus.ObjectPath
		wantErr  bool
	}{
		{
			name:     "write characteristic",
			addr:     "AA:BB:CC:DD:EE:FF",
			charUUID: WriteCharUUID,
			want:     "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000b",
		},
		{
			name:     "lower-case address and upper-case uuid",
			addr:     "aa:bb:cc:dd:ee:ff",
			charUUID: "4FDB7F0C-96E4-4ECF-8D2B-6F57494701A1",
			want:     "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000d",
		},
		{
			name:     "other device",
			addr:     "11:22:33:44:55:66",
			charUUID: WriteCharUUID,
			want:     "/org/bluez/hci0/dev_11_22_33_44_55_66/service000a/char000b",
		},
		{
			name:     "unknown device",
			addr:     "01:02:03:04:05:06",
			charUUID: WriteCharUUID,
			wantErr:  true,
		},
		{
			name:     "characteristic not exposed",
			addr:     "11:22:33:44:55:66",
			charUUID: NotifyCharUUID,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := findGattCharacteristic(objects, tt.addr, tt.charUUID)
			if tt.wantErr {
				if !errors.Is(err, ErrCharacteristicMissing) {
					t.Fatalf("error = %v, want ErrCharacteristicMissing", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("findGattCharacteristic() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("path = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBluezDeviceSegment(t *testing.T) {
	if got := bluezDeviceSegment("aa:bb:cc:0d:ee:ff"); got != "dev_AA_BB_CC_0D_EE_FF" {
		t.Errorf("bluezDeviceSegment() = %q", got)
	}
}
