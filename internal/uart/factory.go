package uart

import (
	"fmt"

	"go.bug.st/serial"
)

// SerialFactory opens real ports through go.bug.st/serial.
type SerialFactory struct{}

// Open opens the port and applies the read timeout from opts.
func (SerialFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := norm.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(norm.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial ports present on this host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
