package regirq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tinyrange/regirq/internal/irq"
)

// fakeMap is an in-memory register file that records every access.
type fakeMap struct {
	mu       sync.Mutex
	stride   uint32
	valBytes int
	single   bool

	regs      map[uint32]uint32
	reads     map[uint32]int
	writes    map[uint32][]uint32
	bulkReads int

	failRead  map[uint32]error
	failWrite map[uint32]error
}

func newFakeMap(stride uint32, valBytes int) *fakeMap {
	return &fakeMap{
		stride:    stride,
		valBytes:  valBytes,
		regs:      make(map[uint32]uint32),
		reads:     make(map[uint32]int),
		writes:    make(map[uint32][]uint32),
		failRead:  make(map[uint32]error),
		failWrite: make(map[uint32]error),
	}
}

func (m *fakeMap) width() uint32 {
	if m.valBytes >= 4 {
		return ^uint32(0)
	}
	return uint32(1)<<(8*m.valBytes) - 1
}

func (m *fakeMap) Read(reg uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(reg)
}

func (m *fakeMap) readLocked(reg uint32) (uint32, error) {
	m.reads[reg]++
	if err := m.failRead[reg]; err != nil {
		return 0, err
	}
	return m.regs[reg], nil
}

func (m *fakeMap) Write(reg, val uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(reg, val)
}

func (m *fakeMap) writeLocked(reg, val uint32) error {
	val &= m.width()
	m.writes[reg] = append(m.writes[reg], val)
	if err := m.failWrite[reg]; err != nil {
		return err
	}
	m.regs[reg] = val
	return nil
}

func (m *fakeMap) UpdateBits(reg, mask, val uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, err := m.readLocked(reg)
	if err != nil {
		return err
	}
	tmp := orig&^mask | val&mask
	if tmp == orig {
		return nil
	}
	return m.writeLocked(reg, tmp)
}

func (m *fakeMap) BulkRead(reg uint32, count int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkReads++
	out := make([]byte, count*m.valBytes)
	for i := 0; i < count; i++ {
		val, err := m.readLocked(reg + uint32(i)*m.stride)
		if err != nil {
			return nil, err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], val)
		copy(out[i*m.valBytes:], buf[:m.valBytes])
	}
	return out, nil
}

func (m *fakeMap) Stride() uint32      { return m.stride }
func (m *fakeMap) ValBytes() int       { return m.valBytes }
func (m *fakeMap) UseSingleRead() bool { return m.single }

func (m *fakeMap) set(reg, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg] = val
}

func (m *fakeMap) get(reg uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[reg]
}

func (m *fakeMap) readCount(reg uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[reg]
}

func (m *fakeMap) written(reg uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.writes[reg]...)
}

// reset forgets the access history but keeps register contents.
func (m *fakeMap) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = make(map[uint32]int)
	m.writes = make(map[uint32][]uint32)
	m.bulkReads = 0
}

type fakePM struct {
	mu   sync.Mutex
	gets int
	puts int
	err  error
}

func (p *fakePM) GetSync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	return p.err
}

func (p *fakePM) Put() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts++
}

const testParent = 1

// twoRowChip has irqs 0 and 1 in row 0, a hole at 2 and irq 3 in row 1.
func twoRowChip() *Chip {
	return &Chip{
		Name:       "pmic",
		NumRegs:    2,
		StatusBase: 0x00,
		MaskBase:   0x10,
		AckBase:    0x20,
		IRQs:       []*IRQ{Reg(0, 0x01), Reg(0, 0x04), nil, Reg(4, 0x80)},
	}
}

func attach(t *testing.T, m *fakeMap, chip *Chip, irqBase int, opts ...Option) (*irq.Host, *Controller) {
	t.Helper()
	h := irq.NewHost(4)
	c, err := Attach(h, m, testParent, 0, irqBase, chip, opts...)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(c.Detach)
	return h, c
}

// request maps hwirq and installs a counting handler on it.
func request(t *testing.T, h *irq.Host, c *Controller, hwirq int, trigger irq.Type) (int, *int) {
	t.Helper()
	virq, err := c.VIRQ(hwirq)
	if err != nil {
		t.Fatalf("virq(%d): %v", hwirq, err)
	}
	hits := new(int)
	err = h.RequestNestedIRQ(virq, trigger, fmt.Sprintf("consumer%d", hwirq), func(int) irq.Return {
		*hits++
		return irq.Handled
	})
	if err != nil {
		t.Fatalf("request(%d): %v", hwirq, err)
	}
	return virq, hits
}

func equalWords(t *testing.T, what string, got, want []uint32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %#x, want %#x", what, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s = %#x, want %#x", what, got, want)
		}
	}
}

func TestAttachMasksEverything(t *testing.T) {
	m := newFakeMap(4, 4)
	m.set(0x10, 0xff00)
	_, c := attach(t, m, twoRowChip(), 0)

	equalWords(t, "masks", c.Masks(), []uint32{0x05, 0x80})
	equalWords(t, "maskBufDef", c.maskBufDef, []uint32{0x05, 0x80})
	if got := m.get(0x10); got != 0xff05 {
		t.Fatalf("mask row 0 = %#x, want bits outside the scope untouched", got)
	}
	if got := m.get(0x14); got != 0x80 {
		t.Fatalf("mask row 1 = %#x", got)
	}
	if n := len(m.written(0x20)); n != 0 {
		t.Fatalf("unexpected ack writes at attach: %d", n)
	}
}

func TestAttachRejectsInvalidDescriptors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Chip)
		opts   []Option
	}{
		{"no registers", func(c *Chip) { c.NumRegs = 0 }, nil},
		{"no irqs", func(c *Chip) { c.IRQs = nil }, nil},
		{"unaligned offset", func(c *Chip) { c.IRQs[0] = Reg(2, 1) }, nil},
		{"offset out of range", func(c *Chip) { c.IRQs[0] = Reg(8, 1) }, nil},
		{"empty mask", func(c *Chip) { c.IRQs[2] = Reg(0, 0) }, nil},
		{"clear on unmask with ack", func(c *Chip) { c.ClearOnUnmask = true }, nil},
		{"clear on unmask with use ack", func(c *Chip) {
			c.AckBase = 0
			c.UseAck = true
			c.ClearOnUnmask = true
		}, nil},
		{"not fixed stride without offsets", func(c *Chip) { c.NotFixedStride = true }, nil},
		{"types without type registers", func(c *Chip) {
			c.IRQs[0].Type = TypeConfig{RisingVal: 1, TypesSupported: irq.TypeEdgeRising}
		}, nil},
		{"config base without rows", func(c *Chip) { c.ConfigBase = []uint32{0x30} }, nil},
		{"runtime pm without manager", func(c *Chip) { c.RuntimePM = true }, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := irq.NewHost(4)
			chip := twoRowChip()
			tc.mutate(chip)
			m := newFakeMap(4, 4)
			c, err := Attach(h, m, testParent, 0, 0, chip, tc.opts...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if c != nil {
				t.Fatalf("controller returned on error")
			}
			if n := len(h.IRQs()); n != 4 {
				t.Fatalf("descriptors leaked: %v", h.IRQs())
			}
			if len(m.writes) != 0 {
				t.Fatalf("hardware touched: %v", m.writes)
			}
		})
	}
}

func TestAttachInitAckMasked(t *testing.T) {
	m := newFakeMap(4, 4)
	m.set(0x00, 0x07)
	m.set(0x04, 0x80)
	chip := twoRowChip()
	chip.InitAckMasked = true
	_, c := attach(t, m, chip, 0)

	// Bit 1 of row 0 is not owned by any irq and is left alone.
	equalWords(t, "ack row 0", m.written(0x20), []uint32{0x05})
	equalWords(t, "ack row 1", m.written(0x24), []uint32{0x80})

	// Every sync acks the masked bits again.
	m.reset()
	c.BusLock()
	c.BusSyncUnlock()
	equalWords(t, "ack row 0 after sync", m.written(0x20), []uint32{0x05})
}

func TestAttachAckInvertClearAck(t *testing.T) {
	m := newFakeMap(4, 4)
	m.set(0x00, 0x01)
	chip := twoRowChip()
	chip.InitAckMasked = true
	chip.AckInvert = true
	chip.ClearAck = true
	attach(t, m, chip, 0)

	equalWords(t, "ack row 0", m.written(0x20), []uint32{^uint32(0x01), ^uint32(0)})
	if n := len(m.written(0x24)); n != 0 {
		t.Fatalf("row 1 had nothing pending but saw %d ack writes", n)
	}
}

func TestAttachWithUnmaskBase(t *testing.T) {
	m := newFakeMap(4, 4)
	m.set(0x30, 0xff)
	chip := twoRowChip()
	chip.UnmaskBase = 0x30
	_, c := attach(t, m, chip, 0)

	if got := m.get(0x30); got != 0xfa {
		t.Fatalf("unmask row 0 = %#x, want 0xfa", got)
	}

	c.BusLock()
	if err := c.Enable(1); err != nil {
		t.Fatalf("enable: %v", err)
	}
	c.BusSyncUnlock()
	if got, want := m.get(0x10), uint32(0x01); got != want {
		t.Fatalf("mask row 0 = %#x, want %#x", got, want)
	}
	if got, want := m.get(0x30), uint32(0xfe); got != want {
		t.Fatalf("unmask row 0 = %#x, want %#x", got, want)
	}
}

func TestAttachLegacyMaskInvert(t *testing.T) {
	m := newFakeMap(4, 4)
	chip := twoRowChip()
	chip.MaskBase = 0
	chip.UnmaskBase = 0x30
	chip.MaskInvert = true
	attach(t, m, chip, 0)

	// With the legacy flag the unmask bank is driven as a mask bank.
	if got := m.get(0x30); got != 0x05 {
		t.Fatalf("row 0 = %#x, want 0x05", got)
	}
	if n := len(m.written(0x10)); n != 0 {
		t.Fatalf("mask bank written %d times", n)
	}
}

func TestAttachFixedBase(t *testing.T) {
	m := newFakeMap(4, 4)
	_, c := attach(t, m, twoRowChip(), 40)

	base, err := c.Base()
	if err != nil || base != 40 {
		t.Fatalf("Base = %d, %v", base, err)
	}
	virq, err := c.VIRQ(3)
	if err != nil || virq != 43 {
		t.Fatalf("VIRQ(3) = %d, %v", virq, err)
	}
	if _, err := c.VIRQ(2); !errors.Is(err, ErrInvalidIRQ) {
		t.Fatalf("VIRQ(hole) err = %v", err)
	}
	if _, err := c.VIRQ(4); !errors.Is(err, ErrInvalidIRQ) {
		t.Fatalf("VIRQ(out of range) err = %v", err)
	}
	if !c.Domain().Legacy() {
		t.Fatalf("expected a legacy domain")
	}

	_, lin := attach(t, newFakeMap(4, 4), twoRowChip(), 0)
	if _, err := lin.Base(); !errors.Is(err, ErrNoFixedBase) {
		t.Fatalf("linear Base err = %v", err)
	}

	var nilCtrl *Controller
	if nilCtrl.Domain() != nil {
		t.Fatalf("nil controller has a domain")
	}
}

func TestAttachFailureReleasesDescriptors(t *testing.T) {
	h := irq.NewHost(4)
	if err := h.RequestThreadedIRQ(testParent, irq.FlagOneShot, "other", func(int) irq.Return { return irq.Handled }); err != nil {
		t.Fatalf("request: %v", err)
	}
	defer h.FreeIRQ(testParent)

	_, err := Attach(h, newFakeMap(4, 4), testParent, 0, 40, twoRowChip())
	if !errors.Is(err, irq.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if base, err := h.AllocDescs(40, 4); err != nil || base != 40 {
		t.Fatalf("descriptors still held: %d, %v", base, err)
	}
}

func TestAttachMaskWriteFailure(t *testing.T) {
	h := irq.NewHost(4)
	m := newFakeMap(4, 4)
	m.failWrite[0x14] = errors.New("bus fault")
	_, err := Attach(h, m, testParent, 0, 40, twoRowChip())
	if err == nil || !errors.Is(err, m.failWrite[0x14]) {
		t.Fatalf("err = %v", err)
	}
	if n := len(h.IRQs()); n != 4 {
		t.Fatalf("descriptors leaked: %v", h.IRQs())
	}
}

func TestDetachDisposesMappings(t *testing.T) {
	m := newFakeMap(4, 4)
	h := irq.NewHost(4)
	c, err := Attach(h, m, testParent, 0, 0, twoRowChip())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	var virqs []int
	for _, hwirq := range []int{0, 1, 3} {
		virq, _ := request(t, h, c, hwirq, irq.TypeNone)
		virqs = append(virqs, virq)
	}
	dom := c.Domain()

	c.Detach()
	c.Detach()

	for hwirq := 0; hwirq < 4; hwirq++ {
		if got := dom.FindMapping(hwirq); got != 0 {
			t.Fatalf("hwirq %d still mapped to %d", hwirq, got)
		}
	}
	for _, virq := range virqs {
		if _, err := h.Stats(virq); !errors.Is(err, irq.ErrNoSuchIRQ) {
			t.Fatalf("virq %d still allocated: %v", virq, err)
		}
	}
	// The parent is free for the next user.
	if err := h.RequestThreadedIRQ(testParent, irq.FlagOneShot, "next", func(int) irq.Return { return irq.Handled }); err != nil {
		t.Fatalf("parent still busy: %v", err)
	}
	h.FreeIRQ(testParent)
}

func TestDetachLegacyFreesBlock(t *testing.T) {
	h := irq.NewHost(4)
	c, err := Attach(h, newFakeMap(4, 4), testParent, 0, 40, twoRowChip())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.Detach()
	if base, err := h.AllocDescs(40, 4); err != nil || base != 40 {
		t.Fatalf("block not released: %d, %v", base, err)
	}
}
