// Package regmap provides register-level access to a device behind an MMIO
// window. Registers are addressed by byte offset from the window base and are
// 8, 16 or 32 bits wide.
package regmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/regirq/internal/chipset"
)

var (
	ErrUnalignedRegister = errors.New("register not aligned to stride")
	ErrBadWidth          = errors.New("unsupported register width")
)

// Map is the register access surface consumed by interrupt controllers.
type Map interface {
	Read(reg uint32) (uint32, error)
	Write(reg, val uint32) error
	// UpdateBits replaces the bits selected by mask with the matching bits
	// of val. The write is skipped when the register already holds the result.
	UpdateBits(reg, mask, val uint32) error
	// BulkRead reads count consecutive registers starting at reg and returns
	// them packed little-endian at ValBytes each.
	BulkRead(reg uint32, count int) ([]byte, error)

	// Stride is the address distance between consecutive registers.
	Stride() uint32
	// ValBytes is the register width in bytes.
	ValBytes() int
	// UseSingleRead reports that the bus cannot burst multiple registers.
	UseSingleRead() bool
}

// Config describes the register layout of an MMIO window.
type Config struct {
	// Base is the address of register 0.
	Base uint64
	// RegStride defaults to the register width in bytes.
	RegStride uint32
	// ValBits is 8, 16 or 32. Defaults to 32.
	ValBits int
	// UseSingleRead disables burst reads.
	UseSingleRead bool
	// Trace logs every access at debug level.
	Trace bool
}

// MMIO is a Map backed by an MMIO handler.
type MMIO struct {
	bus      chipset.MmioHandler
	base     uint64
	stride   uint32
	valBytes int
	single   bool
	trace    bool
}

// NewMMIO returns a Map that performs register accesses on bus.
func NewMMIO(bus chipset.MmioHandler, cfg Config) (*MMIO, error) {
	if bus == nil {
		return nil, fmt.Errorf("regmap: bus is nil")
	}
	bits := cfg.ValBits
	if bits == 0 {
		bits = 32
	}
	switch bits {
	case 8, 16, 32:
	default:
		return nil, fmt.Errorf("regmap: %d-bit values: %w", bits, ErrBadWidth)
	}
	stride := cfg.RegStride
	if stride == 0 {
		stride = uint32(bits / 8)
	}
	return &MMIO{
		bus:      bus,
		base:     cfg.Base,
		stride:   stride,
		valBytes: bits / 8,
		single:   cfg.UseSingleRead,
		trace:    cfg.Trace,
	}, nil
}

// Stride implements Map.
func (m *MMIO) Stride() uint32 { return m.stride }

// ValBytes implements Map.
func (m *MMIO) ValBytes() int { return m.valBytes }

// UseSingleRead implements Map.
func (m *MMIO) UseSingleRead() bool { return m.single }

func (m *MMIO) check(reg uint32) error {
	if reg%m.stride != 0 {
		return fmt.Errorf("regmap: register %#x: %w", reg, ErrUnalignedRegister)
	}
	return nil
}

// Read implements Map.
func (m *MMIO) Read(reg uint32) (uint32, error) {
	if err := m.check(reg); err != nil {
		return 0, err
	}
	var buf [4]byte
	data := buf[:m.valBytes]
	if err := m.bus.ReadMMIO(m.base+uint64(reg), data); err != nil {
		return 0, fmt.Errorf("regmap: read %#x: %w", reg, err)
	}
	val := decode(data)
	if m.trace {
		slog.Debug("regmap: read", "reg", fmt.Sprintf("%#x", reg), "val", fmt.Sprintf("%#x", val))
	}
	return val, nil
}

// Write implements Map.
func (m *MMIO) Write(reg, val uint32) error {
	if err := m.check(reg); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if m.trace {
		slog.Debug("regmap: write", "reg", fmt.Sprintf("%#x", reg), "val", fmt.Sprintf("%#x", val&m.valueMask()))
	}
	if err := m.bus.WriteMMIO(m.base+uint64(reg), buf[:m.valBytes]); err != nil {
		return fmt.Errorf("regmap: write %#x: %w", reg, err)
	}
	return nil
}

// UpdateBits implements Map.
func (m *MMIO) UpdateBits(reg, mask, val uint32) error {
	orig, err := m.Read(reg)
	if err != nil {
		return err
	}
	tmp := orig&^mask | val&mask
	if tmp == orig {
		return nil
	}
	return m.Write(reg, tmp)
}

// BulkRead implements Map. Without burst support it falls back to one read
// per register.
func (m *MMIO) BulkRead(reg uint32, count int) ([]byte, error) {
	if err := m.check(reg); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("regmap: bulk read of %d registers", count)
	}
	out := make([]byte, count*m.valBytes)

	// A burst only works when registers are packed back to back.
	if !m.single && m.stride == uint32(m.valBytes) {
		if err := m.bus.ReadMMIO(m.base+uint64(reg), out); err != nil {
			return nil, fmt.Errorf("regmap: bulk read %#x+%d: %w", reg, count, err)
		}
		return out, nil
	}

	for i := 0; i < count; i++ {
		val, err := m.Read(reg + uint32(i)*m.stride)
		if err != nil {
			return nil, err
		}
		encode(out[i*m.valBytes:(i+1)*m.valBytes], val)
	}
	return out, nil
}

func (m *MMIO) valueMask() uint32 {
	if m.valBytes == 4 {
		return ^uint32(0)
	}
	return uint32(1)<<(8*m.valBytes) - 1
}

func decode(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}

func encode(data []byte, val uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(val))
	default:
		binary.LittleEndian.PutUint32(data, val)
	}
}

var _ Map = (*MMIO)(nil)
