//go:build linux

package permission

// ForPlatform returns the gate for this host. On Linux the BlueZ daemon
// must be running and the named adapter (e.g. "hci0") powered.
func ForPlatform(adapter string) *Gate {
	if adapter == "" {
		adapter = "hci0"
	}
	return NewGate(radioGrants(newBluez(adapter))...)
}
