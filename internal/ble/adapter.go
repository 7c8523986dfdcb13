// Package ble provides the meshchat BLE transport. It discovers peers
// advertising the meshchat service, connects to one of them, and moves
// packed envelopes over a write characteristic and a notify characteristic.
package ble

import "context"

// meshchat GATT UUIDs
const (
	ServiceUUID    = "4fdb7f0a-96e4-4ecf-8d2b-6f57494701a1"
	WriteCharUUID  = "4fdb7f0b-96e4-4ecf-8d2b-6f57494701a1"
	NotifyCharUUID = "4fdb7f0c-96e4-4ecf-8d2b-6f57494701a1"
)

// Characteristic represents a BLE GATT characteristic on a remote peer.
type Characteristic interface {
	// Write sends data using a write-with-response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Device is a single advertisement sighting.
type Device struct {
	ID   string // platform connection handle (MAC, or CoreBluetooth UUID on macOS)
	Name string
	RSSI int
}

// Connection represents an active BLE connection to a peer.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. Calling it again is a no-op.
	Enable() error
	// Scan reports every sighting of a device advertising serviceUUID,
	// repeats included, until ctx is cancelled or the scan fails.
	Scan(ctx context.Context, serviceUUID string, onDevice func(Device)) error
	// Connect establishes a connection to the device with the given id.
	// Implementations must not reconnect automatically.
	Connect(ctx context.Context, id string) (Connection, error)
}

// Server is the peripheral side of the meshchat service.
type Server interface {
	// Serve publishes the service, advertises it under localName and calls
	// onWrite for every write to the write characteristic until ctx is done.
	Serve(ctx context.Context, localName string, onWrite func(data []byte)) error
	// Notify pushes data to centrals subscribed to the notify characteristic.
	Notify(data []byte) error
}
