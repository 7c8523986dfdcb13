//go:build !linux

package permission

// ForPlatform returns the gate for this host. macOS and Windows prompt for
// Bluetooth access on first use, so there is nothing to request up front.
func ForPlatform(string) *Gate {
	return NewGate()
}
