package devices

import (
	"fmt"

	"github.com/vlah02/miniHypervisor/kvmapi"
)

// IODirIn/IODirOut re-export kvmapi's IO direction constants so the rest of
// this package doesn't need to import kvmapi just to compare a direction.
const (
	IODirIn  = kvmapi.IODirIn
	IODirOut = kvmapi.IODirOut
)

// PortDevice is anything that can answer an IO exit on one or more ports.
type PortDevice interface {
	// HandleIO services one IO exit. data is the live buffer from the
	// vCPU's RunData.IOData(): for direction==IODirIn the handler must
	// write the guest-visible result into it; for IODirOut it holds what
	// the guest sent.
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// IOBus dispatches IO exits to the PortDevice registered for the exiting
// port.
type IOBus struct {
	devices map[uint16]PortDevice
}

// NewIOBus builds an empty port dispatcher.
func NewIOBus() *IOBus {
	return &IOBus{devices: make(map[uint16]PortDevice)}
}

// Register binds a device to the port(s) it answers on.
func (b *IOBus) Register(device PortDevice, ports ...uint16) {
	for _, port := range ports {
		b.devices[port] = device
	}
}

// Dispatch routes one IO exit to its device, or reports an unhandled port.
func (b *IOBus) Dispatch(port uint16, direction uint8, size uint8, data []byte) error {
	device, ok := b.devices[port]
	if !ok {
		return fmt.Errorf("iobus: no device registered for port 0x%x", port)
	}
	return device.HandleIO(port, direction, size, data)
}
