package ble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService      = "org.bluez"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	getManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	gattWriteValue    = gattCharIface + ".WriteValue"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezDeviceSegment returns the path element BlueZ uses for a device
// address, e.g. "dev_AA_BB_CC_DD_EE_FF".
func bluezDeviceSegment(addr string) string {
	return "dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
}

// findGattCharacteristic returns the object path of the characteristic with
// charUUID under the device with address addr. Paths are checked in sorted
// order so the first matching characteristic wins.
func findGattCharacteristic(objects managedObjects, addr, charUUID string) (dbus.ObjectPath, error) {
	segment := "/" + bluezDeviceSegment(addr) + "/"

	paths := make([]string, 0, len(objects))
	for p := range objects {
		paths = append(paths, string(p))
	}
	sort.Strings(paths)

	for _, p := range paths {
		if !strings.Contains(p, segment) {
			continue
		}
		props, ok := objects[dbus.ObjectPath(p)][gattCharIface]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		if strings.EqualFold(uuid, charUUID) {
			return dbus.ObjectPath(p), nil
		}
	}
	return "", fmt.Errorf("%w: characteristic %s on %s", ErrCharacteristicMissing, charUUID, addr)
}
