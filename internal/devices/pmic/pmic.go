// Package pmic emulates the interrupt block of a multi-function device such as
// a power management IC. Sources latch into status registers, a mask bank
// gates them onto a single level-triggered output line, and software
// acknowledges them through an ack bank or by reading the status.
package pmic

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/regirq/internal/chipset"
)

// AckMode selects how pending status bits are cleared.
type AckMode string

const (
	// AckWriteOneToClear clears the status bits written to the ack bank.
	AckWriteOneToClear AckMode = "w1c"
	// AckClearOnRead clears a status register when it is read.
	AckClearOnRead AckMode = "clear-on-read"
)

// Bank indices. Each bank is NumRegs registers wide and banks are laid out
// back to back starting at Base.
const (
	bankStatus = iota
	bankMask
	bankAck
	bankWake
	bankType
	bankMain
)

// Config describes the register geometry of the block.
type Config struct {
	Base    uint64
	NumRegs int
	// Stride is the byte distance between registers. Defaults to ValBytes.
	Stride uint32
	// ValBytes is 1, 2 or 4. Defaults to 4.
	ValBytes int
	// MainStatus enables the summary bank: bit i is set while status row i
	// has an unmasked pending bit.
	MainStatus bool
	AckMode    AckMode
}

// Layout holds the offsets of each bank relative to Base, in the form a
// register map expects.
type Layout struct {
	Status     uint32
	Mask       uint32
	Ack        uint32
	Wake       uint32
	Type       uint32
	MainStatus uint32
	// NumMainRegs is zero when the summary bank is disabled.
	NumMainRegs int
}

// PMIC is the emulated interrupt block.
type PMIC struct {
	mu sync.Mutex

	cfg      Config
	bankSize uint32
	numMain  int

	status []uint32
	mask   []uint32
	wake   []uint32
	typ    []uint32

	raised uint64
	acked  uint64

	irqLine chipset.LineInterrupt
	level   bool
}

// New creates a PMIC whose output drives irqLine.
func New(cfg Config, irqLine chipset.LineInterrupt) (*PMIC, error) {
	if cfg.NumRegs <= 0 {
		return nil, fmt.Errorf("pmic: invalid register count %d", cfg.NumRegs)
	}
	if cfg.ValBytes == 0 {
		cfg.ValBytes = 4
	}
	switch cfg.ValBytes {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("pmic: invalid register width %d", cfg.ValBytes)
	}
	if cfg.Stride == 0 {
		cfg.Stride = uint32(cfg.ValBytes)
	}
	if cfg.Stride < uint32(cfg.ValBytes) {
		return nil, fmt.Errorf("pmic: stride %d narrower than register width %d", cfg.Stride, cfg.ValBytes)
	}
	switch cfg.AckMode {
	case "":
		cfg.AckMode = AckWriteOneToClear
	case AckWriteOneToClear, AckClearOnRead:
	default:
		return nil, fmt.Errorf("pmic: unknown ack mode %q", cfg.AckMode)
	}
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}

	p := &PMIC{
		cfg:      cfg,
		bankSize: uint32(cfg.NumRegs) * cfg.Stride,
		status:   make([]uint32, cfg.NumRegs),
		mask:     make([]uint32, cfg.NumRegs),
		wake:     make([]uint32, cfg.NumRegs),
		typ:      make([]uint32, cfg.NumRegs),
		irqLine:  irqLine,
	}
	if cfg.MainStatus {
		bits := 8 * cfg.ValBytes
		p.numMain = (cfg.NumRegs + bits - 1) / bits
	}
	p.resetLocked()
	return p, nil
}

// Layout returns the bank offsets of the block.
func (p *PMIC) Layout() Layout {
	l := Layout{
		Status: bankStatus * p.bankSize,
		Mask:   bankMask * p.bankSize,
		Ack:    bankAck * p.bankSize,
		Wake:   bankWake * p.bankSize,
		Type:   bankType * p.bankSize,
	}
	if p.numMain > 0 {
		l.MainStatus = bankMain * p.bankSize
		l.NumMainRegs = p.numMain
	}
	return l
}

// Size returns the length of the MMIO window.
func (p *PMIC) Size() uint64 {
	return uint64(bankMain)*uint64(p.bankSize) + uint64(p.numMain)*uint64(p.cfg.Stride)
}

// Base returns the MMIO base address.
func (p *PMIC) Base() uint64 { return p.cfg.Base }

// Start implements chipset.ChangeDeviceState.
func (p *PMIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PMIC) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *PMIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *PMIC) resetLocked() {
	all := p.widthMask()
	for i := range p.status {
		p.status[i] = 0
		p.mask[i] = all
		p.wake[i] = all
		p.typ[i] = 0
	}
	p.updateInterrupt()
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PMIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: p.cfg.Base, Size: p.Size()}},
		Handler: p,
	}
}

// Raise latches bits into status register reg.
func (p *PMIC) Raise(reg int, bits uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reg < 0 || reg >= len(p.status) {
		return fmt.Errorf("pmic: status register %d out of range", reg)
	}
	bits &= p.widthMask()
	p.status[reg] |= bits
	p.raised++
	p.updateInterrupt()
	return nil
}

// Status returns the raw status of register reg.
func (p *PMIC) Status(reg int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reg < 0 || reg >= len(p.status) {
		return 0
	}
	return p.status[reg]
}

// Mask returns the mask register reg.
func (p *PMIC) Mask(reg int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reg < 0 || reg >= len(p.mask) {
		return 0
	}
	return p.mask[reg]
}

// Counters returns the number of Raise calls and of ack operations that
// cleared at least one bit.
func (p *PMIC) Counters() (raised, acked uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raised, p.acked
}

// SetIRQLine configures the interrupt line. A pending output is driven onto
// the new line immediately.
func (p *PMIC) SetIRQLine(line chipset.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	p.irqLine = line
	if p.level {
		line.SetLevel(true)
	}
}

// Asserted reports the level of the output line.
func (p *PMIC) Asserted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// ReadMMIO implements chipset.MmioHandler. A read may cover several
// consecutive registers when they are packed back to back.
func (p *PMIC) ReadMMIO(addr uint64, data []byte) error {
	return p.access(addr, data, false)
}

// WriteMMIO implements chipset.MmioHandler.
func (p *PMIC) WriteMMIO(addr uint64, data []byte) error {
	return p.access(addr, data, true)
}

func (p *PMIC) access(addr uint64, data []byte, isWrite bool) error {
	n := p.cfg.ValBytes
	if len(data) == 0 || len(data)%n != 0 {
		return fmt.Errorf("pmic: %d-byte access at 0x%x, registers are %d bytes", len(data), addr, n)
	}
	if addr < p.cfg.Base || addr+uint64(len(data)) > p.cfg.Base+p.Size() {
		return fmt.Errorf("pmic: address 0x%x out of bounds", addr)
	}
	count := len(data) / n
	if count > 1 && (isWrite || p.cfg.Stride != uint32(n)) {
		return fmt.Errorf("pmic: burst access at 0x%x not supported", addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	offset := uint32(addr - p.cfg.Base)
	for i := 0; i < count; i++ {
		chunk := data[i*n : (i+1)*n]
		off := offset + uint32(i*n)
		if off%p.cfg.Stride != 0 {
			return fmt.Errorf("pmic: unaligned access at 0x%x", addr)
		}
		bank := int(off / p.bankSize)
		row := int(off%p.bankSize) / int(p.cfg.Stride)
		if isWrite {
			p.writeRegister(bank, row, decode(chunk))
			continue
		}
		encode(chunk, p.readRegister(bank, row))
	}
	p.updateInterrupt()
	return nil
}

func (p *PMIC) readRegister(bank, row int) uint32 {
	switch bank {
	case bankStatus:
		val := p.status[row]
		if p.cfg.AckMode == AckClearOnRead && val != 0 {
			p.status[row] = 0
			p.acked++
		}
		return val
	case bankMask:
		return p.mask[row]
	case bankWake:
		return p.wake[row]
	case bankType:
		return p.typ[row]
	case bankMain:
		return p.mainStatus(row)
	}
	// The ack bank is write only.
	return 0
}

func (p *PMIC) writeRegister(bank, row int, val uint32) {
	val &= p.widthMask()
	switch bank {
	case bankMask:
		p.mask[row] = val
	case bankAck:
		if p.cfg.AckMode == AckWriteOneToClear && p.status[row]&val != 0 {
			p.status[row] &^= val
			p.acked++
		}
	case bankWake:
		p.wake[row] = val
	case bankType:
		p.typ[row] = val
	}
}

// mainStatus returns summary register row: bit b reports status row
// row*width+b.
func (p *PMIC) mainStatus(row int) uint32 {
	width := 8 * p.cfg.ValBytes
	var val uint32
	for b := 0; b < width; b++ {
		i := row*width + b
		if i >= len(p.status) {
			break
		}
		if p.status[i]&^p.mask[i] != 0 {
			val |= 1 << b
		}
	}
	return val
}

func (p *PMIC) updateInterrupt() {
	asserted := false
	for i := range p.status {
		if p.status[i]&^p.mask[i] != 0 {
			asserted = true
			break
		}
	}
	if asserted == p.level {
		return
	}
	p.level = asserted
	p.irqLine.SetLevel(asserted)
}

func (p *PMIC) widthMask() uint32 {
	if p.cfg.ValBytes == 4 {
		return ^uint32(0)
	}
	return uint32(1)<<(8*p.cfg.ValBytes) - 1
}

func decode(b []byte) uint32 {
	switch len(b) {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func encode(b []byte, val uint32) {
	switch len(b) {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	default:
		binary.LittleEndian.PutUint32(b, val)
	}
}

var (
	_ chipset.ChipsetDevice = (*PMIC)(nil)
	_ chipset.MmioHandler   = (*PMIC)(nil)
)
