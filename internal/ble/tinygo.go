package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS, WinRT on Windows). On macOS device ids are CoreBluetooth UUIDs,
// not MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu          sync.Mutex
	enabled     bool
	scanning    bool
	serving     bool
	adv         *bluetooth.Advertisement
	notifyChar  bluetooth.Characteristic
	connections map[string]*tinyGoConnection // keyed by deviceKey
}

// NewTinyGoAdapter creates a BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The stack reports peripheral disconnects here (connected=false).
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := deviceKey(device.Address)
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	a.enabled = true
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, onDevice func(Device)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errors.New("ble: adapter already scanning")
	}
	a.scanning = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	// Repeat sightings are reported on purpose: they refresh name and RSSI.
	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil || !result.HasServiceUUID(uuid) {
			return
		}
		onDevice(Device{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// parseAddress accepts a device id in either case. The MAC parser only
// takes upper-case hex and leaves the address zero on anything else.
func parseAddress(id string) bluetooth.Address {
	var addr bluetooth.Address
	addr.Set(strings.ToUpper(id))
	return addr
}

// deviceKey is the canonical form of a device address, the form the stack
// reports it in.
func deviceKey(addr bluetooth.Address) string {
	return addr.String()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	addr := parseAddress(id)

	// tinygo/bluetooth's Connect blocks with its own timeout and never
	// reconnects by itself. We wrap it to also respect ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A late success would leave an orphan link, so close it when it lands.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinyGoConnection{device: result.device}
		a.mu.Lock()
		a.connections[deviceKey(addr)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Serve registers the meshchat GATT service and advertises it until ctx is
// cancelled. The service can be registered once per process.
func (a *TinyGoAdapter) Serve(ctx context.Context, localName string, onWrite func(data []byte)) error {
	if err := a.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return err
	}
	writeUUID, err := bluetooth.ParseUUID(WriteCharUUID)
	if err != nil {
		return err
	}
	notifyUUID, err := bluetooth.ParseUUID(NotifyCharUUID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.serving {
		a.mu.Unlock()
		return errors.New("ble: service already published")
	}
	a.serving = true
	a.mu.Unlock()

	err = a.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  writeUUID,
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					// The stack may reuse value after we return.
					buf := make([]byte, len(value))
					copy(buf, value)
					onWrite(buf)
				},
			},
			{
				UUID:   notifyUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
				Handle: &a.notifyChar,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}

	adv := a.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	a.mu.Lock()
	a.adv = adv
	a.mu.Unlock()

	<-ctx.Done()
	a.stopAdvertising()
	return nil
}

func (a *TinyGoAdapter) Notify(data []byte) error {
	a.mu.Lock()
	serving := a.serving
	a.mu.Unlock()
	if !serving {
		return ErrNotConnected
	}
	_, err := a.notifyChar.Write(data)
	return err
}

// Close stops scanning and advertising and drops every open link.
func (a *TinyGoAdapter) Close() error {
	a.mu.Lock()
	scanning := a.scanning
	conns := make([]*tinyGoConnection, 0, len(a.connections))
	for id, c := range a.connections {
		conns = append(conns, c)
		delete(a.connections, id)
	}
	a.mu.Unlock()

	if scanning {
		_ = a.adapter.StopScan()
	}
	a.stopAdvertising()
	for _, c := range conns {
		_ = c.Disconnect()
	}
	return nil
}

func (a *TinyGoAdapter) stopAdvertising() {
	a.mu.Lock()
	adv := a.adv
	a.adv = nil
	a.mu.Unlock()
	if adv != nil {
		if err := adv.Stop(); err != nil {
			slog.Debug("[BLE] stop advertising failed", "error", err)
		}
	}
}

// Compile-time checks that TinyGoAdapter implements Adapter and Server.
var (
	_ Adapter = (*TinyGoAdapter)(nil)
	_ Server  = (*TinyGoAdapter)(nil)
)

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %s", ErrCharacteristicMissing, serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: characteristic %s", ErrCharacteristicMissing, charUUID)
	}

	return &tinyGoCharacteristic{
		char:       chars[0],
		deviceAddr: c.device.Address.String(),
		uuid:       charUUID,
	}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// tinyGoCharacteristic's Write is split by platform: tinygo_write_linux.go
// and tinygo_write_other.go.
type tinyGoCharacteristic struct {
	char       bluetooth.DeviceCharacteristic
	deviceAddr string
	uuid       string

	mu   sync.Mutex
	path string // BlueZ object path, resolved on first write (Linux)
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
