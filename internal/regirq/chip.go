package regirq

import (
	"errors"
	"fmt"

	"github.com/tinyrange/regirq/internal/irq"
	"github.com/tinyrange/regirq/internal/regmap"
)

var (
	// ErrInvalidConfig reports a descriptor that cannot be attached.
	ErrInvalidConfig = errors.New("invalid irq chip descriptor")
	// ErrInvalidIRQ reports a hwirq that is out of range or a hole.
	ErrInvalidIRQ = errors.New("invalid hwirq")
	// ErrInvalidType reports a trigger type the irq does not support.
	ErrInvalidType = errors.New("unsupported trigger type")
	// ErrNoFixedBase is returned by Base for controllers with a linear domain.
	ErrNoFixedBase = errors.New("controller has no fixed irq base")
	// ErrDetached is returned by chip operations on a detached controller.
	ErrDetached = errors.New("controller detached")
)

// TypeConfig describes how the trigger type of one irq is programmed.
type TypeConfig struct {
	// RegOffset locates the type register, relative to TypeBase.
	RegOffset uint32 `yaml:"reg_offset"`
	// RegMask is the type field. When zero, the union of the four values is used.
	RegMask      uint32 `yaml:"reg_mask"`
	FallingVal   uint32 `yaml:"falling_val"`
	RisingVal    uint32 `yaml:"rising_val"`
	LevelLowVal  uint32 `yaml:"level_low_val"`
	LevelHighVal uint32 `yaml:"level_high_val"`

	TypesSupported irq.Type `yaml:"types_supported"`
}

func (t *TypeConfig) fieldMask() uint32 {
	if t.RegMask != 0 {
		return t.RegMask
	}
	return t.FallingVal | t.RisingVal | t.LevelLowVal | t.LevelHighVal
}

// bits returns the register pattern selecting typ.
func (t *TypeConfig) bits(typ irq.Type) (uint32, bool) {
	switch typ {
	case irq.TypeEdgeFalling:
		return t.FallingVal, true
	case irq.TypeEdgeRising:
		return t.RisingVal, true
	case irq.TypeEdgeBoth:
		return t.FallingVal | t.RisingVal, true
	case irq.TypeLevelHigh:
		return t.LevelHighVal, true
	case irq.TypeLevelLow:
		return t.LevelLowVal, true
	}
	return 0, false
}

// IRQ describes one interrupt source: the status/mask bits it owns in the
// register at RegOffset (relative to every bank base).
type IRQ struct {
	RegOffset uint32     `yaml:"reg_offset"`
	Mask      uint32     `yaml:"mask"`
	Type      TypeConfig `yaml:"type"`
}

// Reg returns an IRQ owning mask in the register at offset.
func Reg(offset, mask uint32) *IRQ {
	return &IRQ{RegOffset: offset, Mask: mask}
}

// SubIRQMap lists the status registers behind one main status bit.
type SubIRQMap struct {
	Offsets []uint32 `yaml:"offsets"`
}

// GetIRQRegFunc resolves the address of register index within the bank at base.
type GetIRQRegFunc func(c *Controller, base uint32, index int) uint32

// MaskSyncFunc replaces the generic mask write for register index. maskDef
// holds the bits owned by declared irqs, mask the requested mask state.
type MaskSyncFunc func(m regmap.Map, index int, maskDef, mask uint32) error

// SetTypeVirtFunc programs a trigger type into the virtual register banks.
type SetTypeVirtFunc func(virt [][]uint32, t irq.Type, hwirq, reg int) error

// SetTypeConfigFunc programs a trigger type into the config register banks.
type SetTypeConfigFunc func(config [][]uint32, t irq.Type, d *IRQ, idx int) error

// Chip declares the interrupt register layout of a device. It is never
// modified by the controller and may be shared between controllers.
//
// Every bank is NumRegs registers, one per row, addressed through
// GetIRQReg. A zero base disables the bank.
type Chip struct {
	Name string `yaml:"name"`

	NumRegs int `yaml:"num_regs"`

	// Main status registers summarise which status rows are pending.
	MainStatus        uint32      `yaml:"main_status"`
	NumMainRegs       int         `yaml:"num_main_regs"`
	NumMainStatusBits int         `yaml:"num_main_status_bits"`
	SubRegOffsets     []SubIRQMap `yaml:"sub_reg_offsets"`

	StatusBase uint32 `yaml:"status_base"`
	MaskBase   uint32 `yaml:"mask_base"`
	UnmaskBase uint32 `yaml:"unmask_base"`
	AckBase    uint32 `yaml:"ack_base"`
	WakeBase   uint32 `yaml:"wake_base"`

	// Deprecated: use ConfigBase.
	TypeBase uint32 `yaml:"type_base"`
	// Deprecated: use NumConfigRegs.
	NumTypeReg int `yaml:"num_type_reg"`

	ConfigBase    []uint32 `yaml:"config_base"`
	NumConfigRegs int      `yaml:"num_config_regs"`

	// Deprecated: use ConfigBase.
	VirtRegBase []uint32 `yaml:"virt_reg_base"`

	// IRQRegStride multiplies the register stride between rows. Defaults to 1.
	IRQRegStride uint32 `yaml:"irq_reg_stride"`

	// IRQs is indexed by hwirq. A nil entry is an unassigned slot.
	IRQs []*IRQ `yaml:"irqs"`

	StatusInvert  bool `yaml:"status_invert"`
	AckInvert     bool `yaml:"ack_invert"`
	TypeInvert    bool `yaml:"type_invert"`
	WakeInvert    bool `yaml:"wake_invert"`
	ClearOnUnmask bool `yaml:"clear_on_unmask"`
	ClearAck      bool `yaml:"clear_ack"`
	UseAck        bool `yaml:"use_ack"`
	InitAckMasked bool `yaml:"init_ack_masked"`
	TypeInMask    bool `yaml:"type_in_mask"`
	RuntimePM     bool `yaml:"runtime_pm"`

	// Deprecated: swaps the roles of MaskBase and UnmaskBase. Declare an
	// UnmaskBase instead.
	MaskInvert bool `yaml:"mask_invert"`
	// Deprecated: sub-register offsets are absolute and each main status bit
	// maps to exactly one row. Use GetIRQReg instead.
	NotFixedStride bool `yaml:"not_fixed_stride"`

	GetIRQReg      GetIRQRegFunc     `yaml:"-"`
	HandleMaskSync MaskSyncFunc      `yaml:"-"`
	SetTypeVirt    SetTypeVirtFunc   `yaml:"-"`
	SetTypeConfig  SetTypeConfigFunc `yaml:"-"`
	HandlePreIRQ   func()            `yaml:"-"`
	HandlePostIRQ  func()            `yaml:"-"`
}

func (c *Chip) ackEnabled() bool {
	return c.AckBase != 0 || c.UseAck
}

// numTypeBufs is the number of rows in the type shadow buffer.
func (c *Chip) numTypeBufs() int {
	if c.TypeInMask {
		return c.NumRegs
	}
	if c.NumConfigRegs > 0 {
		return c.NumConfigRegs
	}
	return c.NumTypeReg
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("regirq: %s: %w", fmt.Sprintf(format, args...), ErrInvalidConfig)
}

// validateShape checks everything that does not depend on the register map.
func (c *Chip) validateShape() error {
	if c.NumRegs <= 0 {
		return configErr("num_regs must be positive, got %d", c.NumRegs)
	}
	if len(c.IRQs) == 0 {
		return configErr("no irqs declared")
	}
	if c.ClearOnUnmask && c.ackEnabled() {
		return configErr("clear_on_unmask cannot be combined with an ack register")
	}
	if c.NumMainRegs < 0 || c.NumMainStatusBits < 0 || c.NumTypeReg < 0 || c.NumConfigRegs < 0 {
		return configErr("negative register count")
	}
	if len(c.ConfigBase) > 0 && c.NumConfigRegs == 0 {
		return configErr("config_base set without num_config_regs")
	}
	for hwirq, d := range c.IRQs {
		if d != nil && d.Mask == 0 {
			return configErr("irq %d has an empty mask; leave unassigned slots null", hwirq)
		}
	}
	if c.NotFixedStride {
		if len(c.SubRegOffsets) < c.NumRegs {
			return configErr("not_fixed_stride needs %d sub_reg_offsets, got %d", c.NumRegs, len(c.SubRegOffsets))
		}
		for i := 0; i < c.NumRegs; i++ {
			if len(c.SubRegOffsets[i].Offsets) != 1 {
				return configErr("not_fixed_stride sub_reg_offsets[%d] must have one offset", i)
			}
		}
	}
	return nil
}

func (c *Chip) validate(stride uint32) error {
	if err := c.validateShape(); err != nil {
		return err
	}
	if stride == 0 {
		return configErr("register stride is zero")
	}
	typeRows := c.numTypeBufs()
	hasTypeHook := c.SetTypeVirt != nil || c.SetTypeConfig != nil
	for hwirq, d := range c.IRQs {
		if d == nil {
			continue
		}
		if d.RegOffset%stride != 0 {
			return configErr("irq %d offset %#x not aligned to stride %d", hwirq, d.RegOffset, stride)
		}
		if int(d.RegOffset/stride) >= c.NumRegs {
			return configErr("irq %d offset %#x beyond %d registers", hwirq, d.RegOffset, c.NumRegs)
		}
		if d.Type.TypesSupported == irq.TypeNone {
			continue
		}
		if d.Type.RegOffset%stride != 0 {
			return configErr("irq %d type offset %#x not aligned to stride %d", hwirq, d.Type.RegOffset, stride)
		}
		if typeRows == 0 && !hasTypeHook {
			return configErr("irq %d declares trigger types but the chip has no type registers", hwirq)
		}
		if typeRows > 0 && int(d.Type.RegOffset/stride) >= typeRows {
			return configErr("irq %d type offset %#x beyond %d type registers", hwirq, d.Type.RegOffset, typeRows)
		}
	}
	if !c.NotFixedStride {
		for b, sub := range c.SubRegOffsets {
			for _, off := range sub.Offsets {
				if off%stride != 0 || int(off/stride) >= c.NumRegs {
					return configErr("sub_reg_offsets[%d] offset %#x outside status registers", b, off)
				}
			}
		}
	}
	return nil
}
