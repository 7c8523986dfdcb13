//go:build !linux

package ble

// Write performs a write-with-response.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
