//go:build linux

package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// gattCallTimeout bounds each BlueZ call made by a write.
const gattCallTimeout = 10 * time.Second

// Write performs a write request through BlueZ. tinygo's Linux client only
// offers write commands, so the WriteValue call is made directly with
// type=request and the characteristic's object path.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gattCallTimeout)
	defer cancel()

	path, err := c.objectPath(ctx, conn)
	if err != nil {
		return err
	}

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	call := conn.Object(bluezService, path).CallWithContext(ctx, gattWriteValue, 0, data, opts)
	if call.Err != nil {
		return fmt.Errorf("ble: write %s: %w", c.uuid, call.Err)
	}
	return nil
}

// objectPath resolves the characteristic's BlueZ object path once per
// characteristic.
func (c *tinyGoCharacteristic) objectPath(ctx context.Context, conn *dbus.Conn) (dbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return dbus.ObjectPath(c.path), nil
	}

	var objects managedObjects
	if err := conn.Object(bluezService, "/").CallWithContext(ctx, getManagedObjects, 0).Store(&objects); err != nil {
		return "", fmt.Errorf("ble: list bluez objects: %w", err)
	}
	path, err := findGattCharacteristic(objects, c.deviceAddr, c.uuid)
	if err != nil {
		return "", err
	}
	c.path = string(path)
	return path, nil
}
