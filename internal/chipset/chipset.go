package chipset

import (
	"fmt"
	"sort"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Lines returns the interrupt line set feeding the registered sink.
func (c *Chipset) Lines() *LineSet {
	return c.lines
}

// ReadMMIO implements MmioHandler by dispatching to the device owning addr.
func (c *Chipset) ReadMMIO(addr uint64, data []byte) error {
	return c.HandleMMIO(addr, data, false)
}

// WriteMMIO implements MmioHandler by dispatching to the device owning addr.
func (c *Chipset) WriteMMIO(addr uint64, data []byte) error {
	return c.HandleMMIO(addr, data, true)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ MmioHandler = (*Chipset)(nil)
