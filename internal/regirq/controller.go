// Package regirq implements a generic interrupt controller for devices that
// expose their interrupt status, mask, ack, type and wake state as banks of
// registers.
//
// A driver describes the register layout with a Chip and attaches it to a
// register map and a parent interrupt line. The Controller keeps shadow
// copies of the mask, type and wake registers, batches changes made between
// BusLock and BusSyncUnlock into one flush, and demultiplexes the parent
// interrupt into one nested interrupt per declared source.
package regirq

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/regirq/internal/irq"
	"github.com/tinyrange/regirq/internal/regmap"
)

// PowerManager wraps register access in runtime power management.
type PowerManager interface {
	// GetSync resumes the device. A failure is logged and the access is
	// attempted anyway.
	GetSync() error
	// Put drops the reference taken by GetSync.
	Put()
}

// Option customises Attach.
type Option func(*Controller)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPowerManager sets the power manager used when Chip.RuntimePM is set.
func WithPowerManager(pm PowerManager) Option {
	return func(c *Controller) {
		c.pm = pm
	}
}

// Controller is an attached Chip.
type Controller struct {
	mu sync.Mutex

	chip *Chip
	m    regmap.Map
	host *irq.Host
	log  *slog.Logger
	pm   PowerManager

	parent  int
	irqBase int
	domain  *irq.Domain

	maskBase     uint32
	unmaskBase   uint32
	irqRegStride uint32
	getIRQReg    GetIRQRegFunc
	linear       bool

	mainStatusBuf []uint32
	statusBuf     []uint32
	maskBuf       []uint32
	maskBufDef    []uint32
	wakeBuf       []uint32
	typeBuf       []uint32
	typeBufDef    []uint32
	typeScope     []uint32
	typeDirty     []bool
	virtBuf       [][]uint32
	configBuf     [][]uint32

	wakeCount   int
	clearStatus bool
	detached    bool
}

// Attach validates chip, drives the hardware to an all-masked state, creates
// the irq domain and installs the demultiplexing handler on parent.
//
// With irqBase > 0 the virqs irqBase..irqBase+len(chip.IRQs)-1 are reserved
// and bound up front; otherwise virqs are allocated on demand by VIRQ.
// On error nothing stays allocated.
func Attach(host *irq.Host, m regmap.Map, parent int, flags irq.Flags, irqBase int, chip *Chip, opts ...Option) (*Controller, error) {
	if host == nil || m == nil || chip == nil {
		return nil, configErr("host, register map and chip are required")
	}
	if err := chip.validate(m.Stride()); err != nil {
		return nil, err
	}

	c := &Controller{
		chip:   chip,
		m:      m,
		host:   host,
		parent: parent,
		log:    slog.Default().With("chip", chip.Name),
	}
	for _, opt := range opts {
		opt(c)
	}
	if chip.RuntimePM && c.pm == nil {
		return nil, configErr("runtime_pm set without a power manager")
	}
	c.warnDeprecated()

	if irqBase > 0 {
		base, err := host.AllocDescs(irqBase, len(chip.IRQs))
		if err != nil {
			c.log.Warn("regirq: failed to allocate irqs", "base", irqBase, "err", err)
			return nil, fmt.Errorf("regirq: %s: %w", chip.Name, err)
		}
		c.irqBase = base
	}

	c.allocBuffers()
	c.resolveLayout()

	if err := c.initHardware(); err != nil {
		c.release()
		return nil, err
	}

	var err error
	if c.irqBase > 0 {
		c.domain, err = host.NewLegacyDomain(chip.Name, len(chip.IRQs), c.irqBase, c, parent)
	} else {
		c.domain, err = host.NewLinearDomain(chip.Name, len(chip.IRQs), c, parent)
	}
	if err != nil {
		c.log.Error("regirq: failed to create irq domain", "err", err)
		c.release()
		return nil, fmt.Errorf("regirq: %s: create domain: %w", chip.Name, err)
	}

	err = host.RequestThreadedIRQ(parent, flags|irq.FlagOneShot, chip.Name, c.handleThread)
	if err != nil {
		c.log.Error("regirq: failed to request parent irq", "irq", parent, "err", err)
		c.disposeMappings()
		c.domain.Remove()
		c.release()
		return nil, fmt.Errorf("regirq: %s: request irq %d: %w", chip.Name, parent, err)
	}

	return c, nil
}

func (c *Controller) warnDeprecated() {
	if c.chip.NotFixedStride {
		c.log.Warn("regirq: not_fixed_stride is deprecated; use GetIRQReg instead")
	}
	if c.chip.NumTypeReg > 0 {
		c.log.Warn("regirq: type registers are deprecated; use config registers instead")
	}
	if len(c.chip.VirtRegBase) > 0 || c.chip.SetTypeVirt != nil {
		c.log.Warn("regirq: virtual registers are deprecated; use config registers instead")
	}
	if c.chip.MaskInvert {
		c.log.Warn("regirq: mask_invert is deprecated; use unmask_base instead")
	}
}

func (c *Controller) allocBuffers() {
	chip := c.chip
	if chip.NumMainRegs > 0 {
		c.mainStatusBuf = make([]uint32, chip.NumMainRegs)
	}
	c.statusBuf = make([]uint32, chip.NumRegs)
	c.maskBuf = make([]uint32, chip.NumRegs)
	c.maskBufDef = make([]uint32, chip.NumRegs)
	if chip.WakeBase != 0 {
		c.wakeBuf = make([]uint32, chip.NumRegs)
	}
	if n := chip.numTypeBufs(); n > 0 {
		c.typeBuf = make([]uint32, n)
		c.typeBufDef = make([]uint32, n)
		c.typeScope = make([]uint32, n)
		c.typeDirty = make([]bool, n)
	}
	if len(chip.VirtRegBase) > 0 {
		c.virtBuf = make([][]uint32, len(chip.VirtRegBase))
		for i := range c.virtBuf {
			c.virtBuf[i] = make([]uint32, chip.NumRegs)
		}
	}
	if len(chip.ConfigBase) > 0 {
		c.configBuf = make([][]uint32, len(chip.ConfigBase))
		for i := range c.configBuf {
			c.configBuf[i] = make([]uint32, chip.NumConfigRegs)
		}
	}
}

func (c *Controller) resolveLayout() {
	chip := c.chip
	if chip.MaskInvert {
		c.maskBase = chip.UnmaskBase
		c.unmaskBase = chip.MaskBase
	} else {
		c.maskBase = chip.MaskBase
		c.unmaskBase = chip.UnmaskBase
	}

	c.irqRegStride = chip.IRQRegStride
	if c.irqRegStride == 0 {
		c.irqRegStride = 1
	}
	c.getIRQReg = chip.GetIRQReg
	c.linear = chip.GetIRQReg == nil
	if c.linear {
		c.getIRQReg = (*Controller).LinearIRQReg
	}

	stride := c.m.Stride()
	for _, d := range chip.IRQs {
		if d == nil {
			continue
		}
		c.maskBufDef[d.RegOffset/stride] |= d.Mask
		if d.Type.TypesSupported != irq.TypeNone && len(c.typeScope) > 0 {
			c.typeScope[d.Type.RegOffset/stride] |= d.Type.fieldMask()
		}
	}
}

// initHardware masks every declared irq, acks anything already pending if
// requested, disables wake and captures the type register defaults.
func (c *Controller) initHardware() error {
	chip := c.chip
	for i := 0; i < chip.NumRegs; i++ {
		c.maskBuf[i] = c.maskBufDef[i]

		if err := c.writeMask(i); err != nil {
			return fmt.Errorf("regirq: %s: set masks: %w", chip.Name, err)
		}
		if err := c.writeUnmask(i); err != nil {
			return fmt.Errorf("regirq: %s: set masks: %w", chip.Name, err)
		}

		if !chip.InitAckMasked {
			continue
		}

		reg := c.getIRQReg(c, chip.StatusBase, i)
		val, err := c.m.Read(reg)
		if err != nil {
			c.log.Error("regirq: failed to read irq status", "reg", hex(reg), "err", err)
			return fmt.Errorf("regirq: %s: read status %#x: %w", chip.Name, reg, err)
		}
		c.statusBuf[i] = c.statusValue(val)

		if pending := c.statusBuf[i] & c.maskBuf[i]; pending != 0 && chip.ackEnabled() {
			if err := c.ack(i, pending); err != nil {
				c.log.Error("regirq: failed to ack", "err", err)
				return fmt.Errorf("regirq: %s: %w", chip.Name, err)
			}
		}
	}

	if c.wakeBuf != nil {
		for i := 0; i < chip.NumRegs; i++ {
			c.wakeBuf[i] = c.maskBufDef[i]
			if err := c.writeWake(i); err != nil {
				c.log.Error("regirq: failed to disable wake", "err", err)
				return fmt.Errorf("regirq: %s: %w", chip.Name, err)
			}
		}
	}

	if chip.NumTypeReg > 0 && !chip.TypeInMask {
		for i := 0; i < min(chip.NumTypeReg, len(c.typeBufDef)); i++ {
			reg := c.getIRQReg(c, chip.TypeBase, i)
			val, err := c.m.Read(reg)
			if err != nil {
				c.log.Error("regirq: failed to get type defaults", "reg", hex(reg), "err", err)
				return fmt.Errorf("regirq: %s: read type %#x: %w", chip.Name, reg, err)
			}
			if chip.TypeInvert {
				val = ^val
			}
			c.typeBufDef[i] = val
			c.typeBuf[i] = val
		}
	}
	return nil
}

// release drops every resource taken by Attach.
func (c *Controller) release() {
	if c.irqBase > 0 {
		c.host.FreeDescs(c.irqBase, len(c.chip.IRQs))
	}
	c.mainStatusBuf = nil
	c.statusBuf = nil
	c.maskBuf = nil
	c.maskBufDef = nil
	c.wakeBuf = nil
	c.typeBuf = nil
	c.typeBufDef = nil
	c.typeScope = nil
	c.typeDirty = nil
	c.virtBuf = nil
	c.configBuf = nil
}

func (c *Controller) disposeMappings() {
	for hwirq := range c.chip.IRQs {
		if virq := c.domain.FindMapping(hwirq); virq != 0 {
			c.domain.DisposeMapping(virq)
		}
	}
}

// Detach removes the parent handler, disposes every mapped virq and removes
// the domain. It is safe to call more than once.
func (c *Controller) Detach() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	c.mu.Unlock()

	if err := c.host.FreeIRQ(c.parent); err != nil {
		c.log.Warn("regirq: failed to free parent irq", "irq", c.parent, "err", err)
	}
	c.disposeMappings()
	c.domain.Remove()

	c.mu.Lock()
	c.release()
	c.mu.Unlock()
}

// LinearIRQReg is the default register address resolution:
// base + index * stride * IRQRegStride. Under NotFixedStride row index lives
// at base + SubRegOffsets[index].
func (c *Controller) LinearIRQReg(base uint32, index int) uint32 {
	if c.chip.NotFixedStride && index < len(c.chip.SubRegOffsets) {
		return base + c.chip.SubRegOffsets[index].Offsets[0]
	}
	return base + uint32(index)*c.m.Stride()*c.irqRegStride
}

// Map returns the register map the controller was attached with.
func (c *Controller) Map() regmap.Map { return c.m }

// Name implements irq.Chip.
func (c *Controller) Name() string { return c.chip.Name }

// Parent returns the parent irq number.
func (c *Controller) Parent() int { return c.parent }

// Base returns the first virq of a controller attached with a fixed base.
func (c *Controller) Base() (int, error) {
	if c.irqBase <= 0 {
		return 0, fmt.Errorf("regirq: %s: %w", c.chip.Name, ErrNoFixedBase)
	}
	return c.irqBase, nil
}

// VIRQ returns the virq for hwirq, creating the mapping if needed.
func (c *Controller) VIRQ(hwirq int) (int, error) {
	c.mu.Lock()
	_, err := c.lookup(hwirq)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.domain.CreateMapping(hwirq)
}

// Domain returns the irq domain of c. A nil Controller has no domain.
func (c *Controller) Domain() *irq.Domain {
	if c == nil {
		return nil
	}
	return c.domain
}

// Masks returns a copy of the requested mask state per register row.
func (c *Controller) Masks() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.maskBuf...)
}

// lookup resolves hwirq to its descriptor. c.mu must be held.
func (c *Controller) lookup(hwirq int) (*IRQ, error) {
	if c.detached {
		return nil, fmt.Errorf("regirq: %s: hwirq %d: %w", c.chip.Name, hwirq, ErrDetached)
	}
	if hwirq < 0 || hwirq >= len(c.chip.IRQs) {
		return nil, fmt.Errorf("regirq: %s: hwirq %d out of range: %w", c.chip.Name, hwirq, ErrInvalidIRQ)
	}
	d := c.chip.IRQs[hwirq]
	if d == nil {
		return nil, fmt.Errorf("regirq: %s: hwirq %d is unassigned: %w", c.chip.Name, hwirq, ErrInvalidIRQ)
	}
	return d, nil
}

func hex(v uint32) string {
	return fmt.Sprintf("%#x", v)
}

var _ irq.Chip = (*Controller)(nil)
