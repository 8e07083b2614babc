package regirq

import (
	"fmt"

	"github.com/tinyrange/regirq/internal/irq"
)

// BusLock implements irq.Chip. Enable, Disable, SetType and SetWake only
// touch the shadow buffers and must be called between BusLock and
// BusSyncUnlock. The parent thread holds the same lock while it reads and
// acks the status registers, but nested handlers run after it is released
// and may take it themselves.
func (c *Controller) BusLock() {
	c.mu.Lock()
}

// BusSyncUnlock implements irq.Chip. It flushes the shadow buffers to the
// hardware, forwards the net wake change to the parent and releases the lock.
// Register failures are logged and the remaining rows are still written.
func (c *Controller) BusSyncUnlock() {
	defer c.mu.Unlock()
	if c.detached {
		return
	}

	c.powerGet("sync")
	c.syncRows()
	c.syncTypes()
	c.syncBanks()
	c.powerPut()

	for ; c.wakeCount < 0; c.wakeCount++ {
		if err := c.host.SetIRQWake(c.parent, false); err != nil {
			c.log.Error("regirq: failed to disable parent wake", "irq", c.parent, "err", err)
		}
	}
	for ; c.wakeCount > 0; c.wakeCount-- {
		if err := c.host.SetIRQWake(c.parent, true); err != nil {
			c.log.Error("regirq: failed to enable parent wake", "irq", c.parent, "err", err)
		}
	}
	c.wakeCount = 0
}

func (c *Controller) syncRows() {
	chip := c.chip

	if c.clearStatus {
		for i := 0; i < chip.NumRegs; i++ {
			reg := c.getIRQReg(c, chip.StatusBase, i)
			if _, err := c.m.Read(reg); err != nil {
				c.log.Error("regirq: failed to clear the interrupt status bits", "reg", hex(reg), "err", err)
			}
		}
		c.clearStatus = false
	}

	for i := 0; i < chip.NumRegs; i++ {
		if err := c.writeMask(i); err != nil {
			c.log.Error("regirq: failed to sync masks", "row", i, "err", err)
		}
		if err := c.writeUnmask(i); err != nil {
			c.log.Error("regirq: failed to sync masks", "row", i, "err", err)
		}
		if c.wakeBuf != nil {
			if err := c.writeWake(i); err != nil {
				c.log.Error("regirq: failed to sync wakes", "row", i, "err", err)
			}
		}
		if chip.InitAckMasked && c.maskBuf[i] != 0 && chip.ackEnabled() {
			if err := c.ack(i, c.maskBuf[i]); err != nil {
				c.log.Error("regirq: failed to ack masked irqs", "row", i, "err", err)
			}
		}
	}
}

// writeMask writes row i of the mask state to the mask bank.
func (c *Controller) writeMask(i int) error {
	if c.maskBase == 0 {
		return nil
	}
	if c.chip.HandleMaskSync != nil {
		return c.chip.HandleMaskSync(c.m, i, c.maskBufDef[i], c.maskBuf[i])
	}
	reg := c.getIRQReg(c, c.maskBase, i)
	if err := c.m.UpdateBits(reg, c.maskBufDef[i], c.maskBuf[i]); err != nil {
		return fmt.Errorf("mask %#x: %w", reg, err)
	}
	return nil
}

// writeUnmask writes the inverse of row i of the mask state to the unmask
// bank.
func (c *Controller) writeUnmask(i int) error {
	if c.unmaskBase == 0 {
		return nil
	}
	reg := c.getIRQReg(c, c.unmaskBase, i)
	if err := c.m.UpdateBits(reg, c.maskBufDef[i], ^c.maskBuf[i]); err != nil {
		return fmt.Errorf("unmask %#x: %w", reg, err)
	}
	return nil
}

func (c *Controller) writeWake(i int) error {
	reg := c.getIRQReg(c, c.chip.WakeBase, i)
	val := c.wakeBuf[i]
	if c.chip.WakeInvert {
		val = ^val
	}
	if err := c.m.UpdateBits(reg, c.maskBufDef[i], val); err != nil {
		return fmt.Errorf("wake %#x: %w", reg, err)
	}
	return nil
}

// ack acknowledges bits in status row i.
func (c *Controller) ack(i int, bits uint32) error {
	reg := c.getIRQReg(c, c.chip.AckBase, i)
	val := bits
	if c.chip.AckInvert {
		val = ^bits
	}
	err := c.m.Write(reg, val)
	if err == nil && c.chip.ClearAck {
		if c.chip.AckInvert {
			err = c.m.Write(reg, ^uint32(0))
		} else {
			err = c.m.Write(reg, 0)
		}
	}
	if err != nil {
		return fmt.Errorf("ack %#x: %w", reg, err)
	}
	return nil
}

func (c *Controller) syncTypes() {
	if c.chip.TypeInMask {
		return
	}
	for i := 0; i < min(c.chip.NumTypeReg, len(c.typeBuf)); i++ {
		if c.typeScope[i] == 0 || !c.typeDirty[i] {
			continue
		}
		reg := c.getIRQReg(c, c.chip.TypeBase, i)
		val := c.typeBuf[i]
		if c.chip.TypeInvert {
			val = ^val
		}
		if err := c.m.UpdateBits(reg, c.typeScope[i], val); err != nil {
			c.log.Error("regirq: failed to sync type", "reg", hex(reg), "err", err)
			continue
		}
		c.typeDirty[i] = false
	}
}

func (c *Controller) syncBanks() {
	for b, base := range c.chip.VirtRegBase {
		for j, val := range c.virtBuf[b] {
			reg := c.getIRQReg(c, base, j)
			if err := c.m.Write(reg, val); err != nil {
				c.log.Error("regirq: failed to write virt", "reg", hex(reg), "err", err)
			}
		}
	}
	for b, base := range c.chip.ConfigBase {
		for j, val := range c.configBuf[b] {
			reg := c.getIRQReg(c, base, j)
			if err := c.m.Write(reg, val); err != nil {
				c.log.Error("regirq: failed to write config", "reg", hex(reg), "err", err)
			}
		}
	}
}

func (c *Controller) powerGet(what string) {
	if !c.chip.RuntimePM {
		return
	}
	if err := c.pm.GetSync(); err != nil {
		c.log.Error("regirq: failed to resume", "during", what, "err", err)
	}
}

func (c *Controller) powerPut() {
	if c.chip.RuntimePM {
		c.pm.Put()
	}
}

// Enable implements irq.Chip.
func (c *Controller) Enable(hwirq int) error {
	d, err := c.lookup(hwirq)
	if err != nil {
		return err
	}
	reg := d.RegOffset / c.m.Stride()

	mask := d.Mask
	if c.chip.TypeInMask && d.Type.TypesSupported != irq.TypeNone {
		mask = c.typeBuf[reg] & d.Mask
	}
	if c.chip.ClearOnUnmask {
		c.clearStatus = true
	}
	c.maskBuf[reg] &^= mask
	return nil
}

// Disable implements irq.Chip.
func (c *Controller) Disable(hwirq int) error {
	d, err := c.lookup(hwirq)
	if err != nil {
		return err
	}
	c.maskBuf[d.RegOffset/c.m.Stride()] |= d.Mask
	return nil
}

// SetType implements irq.Chip. Types outside the supported set of hwirq are
// rejected with ErrInvalidType and leave every buffer untouched.
func (c *Controller) SetType(hwirq int, t irq.Type) error {
	d, err := c.lookup(hwirq)
	if err != nil {
		return err
	}
	tc := &d.Type
	if t == irq.TypeNone || tc.TypesSupported&t != t {
		return fmt.Errorf("regirq: %s: hwirq %d: %s: %w", c.chip.Name, hwirq, t, ErrInvalidType)
	}
	bits, ok := tc.bits(t)
	if !ok {
		return fmt.Errorf("regirq: %s: hwirq %d: %s: %w", c.chip.Name, hwirq, t, ErrInvalidType)
	}

	reg := int(tc.RegOffset / c.m.Stride())
	if reg < len(c.typeBuf) {
		prev := c.typeBuf[reg]
		next := prev&^tc.fieldMask() | bits
		c.typeBuf[reg] = next
		defer func() {
			if err != nil {
				c.typeBuf[reg] = prev
			} else if next != prev {
				c.typeDirty[reg] = true
			}
		}()
	}

	if c.chip.SetTypeVirt != nil {
		if err = c.chip.SetTypeVirt(c.virtBuf, t, hwirq, reg); err != nil {
			return fmt.Errorf("regirq: %s: hwirq %d: virt type: %w", c.chip.Name, hwirq, err)
		}
	}
	if c.chip.SetTypeConfig != nil {
		if err = c.chip.SetTypeConfig(c.configBuf, t, d, reg); err != nil {
			return fmt.Errorf("regirq: %s: hwirq %d: config type: %w", c.chip.Name, hwirq, err)
		}
	}
	return nil
}

// SetWake implements irq.Chip. The parent wake state follows at the next
// BusSyncUnlock.
func (c *Controller) SetWake(hwirq int, on bool) error {
	d, err := c.lookup(hwirq)
	if err != nil {
		return err
	}
	reg := d.RegOffset / c.m.Stride()
	if on {
		if c.wakeBuf != nil {
			c.wakeBuf[reg] &^= d.Mask
		}
		c.wakeCount++
	} else {
		if c.wakeBuf != nil {
			c.wakeBuf[reg] |= d.Mask
		}
		c.wakeCount--
	}
	return nil
}

// SetTypeConfigSimple is a SetTypeConfigFunc that programs the type field of
// the irq into row idx of the first config bank.
func SetTypeConfigSimple(config [][]uint32, t irq.Type, d *IRQ, idx int) error {
	if len(config) == 0 || idx < 0 || idx >= len(config[0]) {
		return fmt.Errorf("regirq: config row %d: %w", idx, ErrInvalidConfig)
	}
	bits, ok := d.Type.bits(t)
	if !ok {
		return fmt.Errorf("regirq: %s: %w", t, ErrInvalidType)
	}
	config[0][idx] = config[0][idx]&^d.Type.fieldMask() | bits
	return nil
}
