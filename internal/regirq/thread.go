package regirq

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/tinyrange/regirq/internal/irq"
)

// handleThread is the threaded handler of the parent irq. It reads and acks
// the status registers under the controller lock, then dispatches every
// active mapped irq with the lock released so consumer handlers may change
// masks.
func (c *Controller) handleThread(int) irq.Return {
	if c.chip.HandlePreIRQ != nil {
		c.chip.HandlePreIRQ()
	}
	virqs := c.scan()
	if c.chip.HandlePostIRQ != nil {
		defer c.chip.HandlePostIRQ()
	}

	handled := false
	for _, virq := range virqs {
		c.host.HandleNestedIRQ(virq)
		handled = true
	}
	if handled {
		return irq.Handled
	}
	return irq.None
}

// scan acquires and acks the pending status and returns the virqs to run.
func (c *Controller) scan() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return nil
	}

	c.powerGet("irq thread")
	defer c.powerPut()

	if err := c.readStatus(); err != nil {
		c.log.Error("regirq: failed to read irq status", "err", err)
		return nil
	}

	chip := c.chip
	for i := 0; i < chip.NumRegs; i++ {
		c.statusBuf[i] &^= c.maskBuf[i]
		if c.statusBuf[i] != 0 && chip.ackEnabled() {
			if err := c.ack(i, c.statusBuf[i]); err != nil {
				c.log.Error("regirq: failed to ack", "row", i, "err", err)
			}
		}
	}

	var virqs []int
	stride := c.m.Stride()
	for hwirq, d := range chip.IRQs {
		if d == nil || c.statusBuf[d.RegOffset/stride]&d.Mask == 0 {
			continue
		}
		if virq := c.domain.FindMapping(hwirq); virq != 0 {
			virqs = append(virqs, virq)
		}
	}
	return virqs
}

// readStatus fills statusBuf using the main status registers, a single burst
// or one read per register, in that order of preference.
func (c *Controller) readStatus() error {
	chip := c.chip
	switch {
	case chip.NumMainRegs > 0:
		return c.readMainStatus()
	case c.canBulkRead():
		buf, err := c.m.BulkRead(chip.StatusBase, chip.NumRegs)
		if err != nil {
			return err
		}
		n := c.m.ValBytes()
		for i := 0; i < chip.NumRegs; i++ {
			c.statusBuf[i] = c.statusValue(unpack(buf[i*n : (i+1)*n]))
		}
	default:
		for i := 0; i < chip.NumRegs; i++ {
			reg := c.getIRQReg(c, chip.StatusBase, i)
			val, err := c.m.Read(reg)
			if err != nil {
				return fmt.Errorf("status %#x: %w", reg, err)
			}
			c.statusBuf[i] = c.statusValue(val)
		}
	}
	return nil
}

// canBulkRead reports whether the status registers can be read as one
// burst. A custom GetIRQReg rules it out since the rows need not be linear.
func (c *Controller) canBulkRead() bool {
	return c.irqRegStride == 1 && c.linear && !c.chip.NotFixedStride && !c.m.UseSingleRead()
}

func (c *Controller) readMainStatus() error {
	chip := c.chip
	clear(c.statusBuf)

	limit := chip.NumMainStatusBits
	if limit == 0 {
		limit = chip.NumRegs
	}
	width := 8 * c.m.ValBytes()

	for i := range c.mainStatusBuf {
		var reg uint32
		if chip.NotFixedStride {
			reg = chip.MainStatus + uint32(i)*c.m.Stride()*c.irqRegStride
		} else {
			reg = c.getIRQReg(c, chip.MainStatus, i)
		}
		val, err := c.m.Read(reg)
		if err != nil {
			return fmt.Errorf("main status %#x: %w", reg, err)
		}
		c.mainStatusBuf[i] = val
	}

	for i, main := range c.mainStatusBuf {
		for main != 0 {
			b := bits.TrailingZeros32(main)
			main &^= 1 << b
			g := i*width + b
			if g >= limit {
				break
			}
			if err := c.readSubStatus(g); err != nil {
				return err
			}
		}
	}
	return nil
}

// readSubStatus reads the status registers behind main status bit b.
func (c *Controller) readSubStatus(b int) error {
	chip := c.chip
	if len(chip.SubRegOffsets) == 0 {
		if b >= chip.NumRegs {
			return nil
		}
		reg := c.getIRQReg(c, chip.StatusBase, b)
		val, err := c.m.Read(reg)
		if err != nil {
			return fmt.Errorf("status %#x: %w", reg, err)
		}
		c.statusBuf[b] = c.statusValue(val)
		return nil
	}

	if b >= len(chip.SubRegOffsets) {
		c.log.Debug("regirq: main status bit without sub registers", "bit", b)
		return nil
	}
	stride := c.m.Stride()
	for _, off := range chip.SubRegOffsets[b].Offsets {
		index := int(off / stride)
		if chip.NotFixedStride {
			index = b
		}
		if index >= chip.NumRegs {
			continue
		}
		reg := chip.StatusBase + off
		val, err := c.m.Read(reg)
		if err != nil {
			return fmt.Errorf("status %#x: %w", reg, err)
		}
		c.statusBuf[index] = c.statusValue(val)
	}
	return nil
}

// statusValue applies the status polarity to a raw register value.
func (c *Controller) statusValue(val uint32) uint32 {
	if !c.chip.StatusInvert {
		return val
	}
	return ^val & c.widthMask()
}

func (c *Controller) widthMask() uint32 {
	n := c.m.ValBytes()
	if n >= 4 {
		return ^uint32(0)
	}
	return uint32(1)<<(8*n) - 1
}

func unpack(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}
