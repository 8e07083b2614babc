package irq

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/regirq/internal/chipset"
)

// spuriousLimit is the number of consecutive unhandled runs after which a
// threaded line is disabled.
const spuriousLimit = 1000

// Host owns the interrupt descriptor table.
type Host struct {
	mu      sync.Mutex
	descs   map[int]*desc
	nrLines int
}

type desc struct {
	irq int

	mu sync.Mutex

	// Set when the irq belongs to a secondary chip.
	chip   Chip
	hwirq  int
	domain *Domain
	parent int

	dynamic bool

	name    string
	handler Handler
	flags   Flags
	thread  *irqThread

	depth     int
	wakeDepth int
	trigger   Type

	// Root line state.
	level   bool
	masked  bool
	pending bool

	count     uint64
	unhandled uint64
	spurious  int
}

type irqThread struct {
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewHost returns a host with root lines 0..nrLines-1. Dynamically allocated
// descriptors are numbered above the root lines, starting no lower than 1.
func NewHost(nrLines int) *Host {
	if nrLines < 0 {
		nrLines = 0
	}
	h := &Host{
		descs:   make(map[int]*desc, nrLines),
		nrLines: nrLines,
	}
	for i := 0; i < nrLines; i++ {
		h.descs[i] = &desc{irq: i, depth: 1}
	}
	return h
}

func (h *Host) lookup(irq int) (*desc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.descs[irq]
	if !ok {
		return nil, fmt.Errorf("irq %d: %w", irq, ErrNoSuchIRQ)
	}
	return d, nil
}

// AllocDescs allocates count contiguous descriptors. With base > 0 exactly
// base..base+count-1 are allocated and must all be free; otherwise the lowest
// free run above the root lines is used. It returns the first irq number.
func (h *Host) AllocDescs(base, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("irq: cannot allocate %d descriptors", count)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if base > 0 {
		for i := base; i < base+count; i++ {
			if _, taken := h.descs[i]; taken {
				return 0, fmt.Errorf("irq: descriptor %d already allocated", i)
			}
		}
	} else {
		base = max(h.nrLines, 1)
		for {
			free := true
			for i := base; i < base+count; i++ {
				if _, taken := h.descs[i]; taken {
					base = i + 1
					free = false
					break
				}
			}
			if free {
				break
			}
		}
	}

	for i := base; i < base+count; i++ {
		h.descs[i] = &desc{irq: i, depth: 1, dynamic: true}
	}
	return base, nil
}

// FreeDescs releases dynamically allocated descriptors. Root lines and
// unknown numbers are ignored.
func (h *Host) FreeDescs(base, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := base; i < base+count; i++ {
		if d, ok := h.descs[i]; ok && d.dynamic {
			delete(h.descs, i)
		}
	}
}

// IRQs returns the allocated irq numbers in ascending order.
func (h *Host) IRQs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.descs))
	for irq := range h.descs {
		out = append(out, irq)
	}
	sort.Ints(out)
	return out
}

// RequestThreadedIRQ installs fn as the threaded handler of irq.
//
// On a root line fn runs on a dedicated goroutine each time the line asserts.
// FlagOneShot is required: the line stays masked while fn runs, and a level
// that is still asserted (or an edge latched meanwhile) runs fn again.
//
// On an irq bound to a chip this is RequestNestedIRQ with the trigger type
// taken from flags.
func (h *Host) RequestThreadedIRQ(irq int, flags Flags, name string, fn Handler) error {
	if fn == nil {
		return fmt.Errorf("irq %d: nil handler", irq)
	}
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}

	d.mu.Lock()
	nested := d.chip != nil
	d.mu.Unlock()
	if nested {
		return h.RequestNestedIRQ(irq, flags.Trigger(), name, fn)
	}

	if flags&FlagOneShot == 0 {
		return fmt.Errorf("irq %d: %w", irq, ErrNotOneShot)
	}

	t := &irqThread{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if d.handler != nil {
		d.mu.Unlock()
		return fmt.Errorf("irq %d (%s): %w", irq, d.name, ErrBusy)
	}
	d.name = name
	d.handler = fn
	d.flags = flags
	d.thread = t
	if trig := flags.Trigger(); trig != TypeNone {
		d.trigger = trig
	}
	d.depth = 0
	d.masked = false
	d.pending = false
	d.spurious = 0
	kick := d.level
	if kick {
		d.masked = true
	}
	d.mu.Unlock()

	go h.runThread(d, t)
	if kick {
		t.wake <- struct{}{}
	}
	slog.Debug("irq: threaded handler installed", "irq", irq, "name", name)
	return nil
}

// FreeIRQ removes the handler installed on irq. For a root line it stops the
// handler goroutine and waits for a running invocation to return, so it must
// not be called from that handler. For a nested irq the chip is asked to
// disable it.
func (h *Host) FreeIRQ(irq int) error {
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}

	d.mu.Lock()
	t := d.thread
	chip := d.chip
	hwirq := d.hwirq
	hadHandler := d.handler != nil
	wasEnabled := d.depth == 0
	d.thread = nil
	d.handler = nil
	d.name = ""
	d.masked = false
	d.pending = false
	d.depth = 1
	d.mu.Unlock()

	if t != nil {
		close(t.stop)
		<-t.done
	}
	if chip != nil && hadHandler && wasEnabled {
		chip.BusLock()
		err := chip.Disable(hwirq)
		chip.BusSyncUnlock()
		if err != nil {
			return fmt.Errorf("irq %d: shutdown: %w", irq, err)
		}
	}
	return nil
}

// SetIRQ implements chipset.InterruptSink for root lines.
func (h *Host) SetIRQ(line uint8, level bool) {
	h.SetLevel(int(line), level)
}

// SetLevel drives the input level of a root line.
func (h *Host) SetLevel(irq int, level bool) {
	d, err := h.lookup(irq)
	if err != nil {
		slog.Warn("irq: level change on unknown line", "irq", irq, "err", err)
		return
	}

	d.mu.Lock()
	rising := level && !d.level
	d.level = level
	var kick *irqThread
	if d.thread != nil && d.depth == 0 {
		if d.masked {
			if rising && d.trigger.IsEdge() {
				d.pending = true
			}
		} else if level && (rising || !d.trigger.IsEdge()) {
			d.masked = true
			kick = d.thread
		}
	}
	d.mu.Unlock()

	if kick != nil {
		select {
		case kick.wake <- struct{}{}:
		default:
		}
	}
}

func (h *Host) runThread(d *desc, t *irqThread) {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
		}
		for h.runOnce(d, t) {
			select {
			case <-t.stop:
				return
			default:
			}
		}
	}
}

// runOnce invokes the handler once and reports whether it must run again
// before the line is unmasked.
func (h *Host) runOnce(d *desc, t *irqThread) bool {
	d.mu.Lock()
	fn := d.handler
	current := d.thread == t
	d.mu.Unlock()
	if fn == nil || !current {
		return false
	}

	ret := fn(d.irq)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if ret == None {
		d.unhandled++
		d.spurious++
		if d.spurious >= spuriousLimit {
			slog.Error("irq: nobody cared, disabling line", "irq", d.irq, "name", d.name, "unhandled", d.spurious)
			d.depth++
			d.spurious = 0
			d.masked = false
			d.pending = false
			return false
		}
	} else {
		d.spurious = 0
	}

	again := d.pending || (!d.trigger.IsEdge() && d.level)
	d.pending = false
	if !again || d.depth > 0 || d.thread != t {
		d.masked = false
		return false
	}
	return true
}

// RequestNestedIRQ installs fn on an irq owned by a chip. fn runs
// synchronously from the chip's dispatch via HandleNestedIRQ. A trigger other
// than TypeNone is programmed before the irq is enabled.
func (h *Host) RequestNestedIRQ(irq int, trigger Type, name string, fn Handler) error {
	if fn == nil {
		return fmt.Errorf("irq %d: nil handler", irq)
	}
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}

	d.mu.Lock()
	chip := d.chip
	hwirq := d.hwirq
	busy := d.handler != nil
	d.mu.Unlock()
	if chip == nil {
		return fmt.Errorf("irq %d: %w", irq, ErrNotNested)
	}
	if busy {
		return fmt.Errorf("irq %d: %w", irq, ErrBusy)
	}

	if trigger != TypeNone {
		if err := h.SetIRQType(irq, trigger); err != nil {
			return err
		}
	}

	chip.BusLock()
	err = chip.Enable(hwirq)
	if err == nil {
		d.mu.Lock()
		d.name = name
		d.handler = fn
		d.depth = 0
		d.mu.Unlock()
	}
	chip.BusSyncUnlock()
	if err != nil {
		return fmt.Errorf("irq %d: startup: %w", irq, err)
	}
	return nil
}

// HandleNestedIRQ runs the handler bound to irq on the calling goroutine.
// Disabled or handler-less irqs are counted as unhandled.
func (h *Host) HandleNestedIRQ(irq int) Return {
	d, err := h.lookup(irq)
	if err != nil {
		slog.Warn("irq: nested dispatch to unknown irq", "irq", irq)
		return None
	}

	d.mu.Lock()
	fn := d.handler
	disabled := d.depth > 0
	if fn == nil || disabled {
		d.unhandled++
		d.mu.Unlock()
		return None
	}
	d.mu.Unlock()

	ret := fn(irq)

	d.mu.Lock()
	d.count++
	if ret == None {
		d.unhandled++
	}
	d.mu.Unlock()
	return ret
}

// DisableIRQ increments the disable depth and masks the irq on the first call.
func (h *Host) DisableIRQ(irq int) error {
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.depth++
	first := d.depth == 1
	chip, hwirq := d.chip, d.hwirq
	d.mu.Unlock()

	if chip == nil || !first {
		return nil
	}
	chip.BusLock()
	err = chip.Disable(hwirq)
	chip.BusSyncUnlock()
	if err != nil {
		return fmt.Errorf("irq %d: disable: %w", irq, err)
	}
	return nil
}

// EnableIRQ decrements the disable depth and unmasks the irq when it reaches
// zero.
func (h *Host) EnableIRQ(irq int) error {
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.depth == 0 {
		d.mu.Unlock()
		slog.Warn("irq: unbalanced enable", "irq", irq)
		return nil
	}
	d.depth--
	last := d.depth == 0
	chip, hwirq := d.chip, d.hwirq
	d.mu.Unlock()

	if !last {
		return nil
	}
	if chip == nil {
		// Re-evaluate a root line that may have been asserted while disabled.
		d.mu.Lock()
		level := d.level
		d.mu.Unlock()
		if level {
			h.SetLevel(irq, true)
		}
		return nil
	}
	chip.BusLock()
	err = chip.Enable(hwirq)
	chip.BusSyncUnlock()
	if err != nil {
		return fmt.Errorf("irq %d: enable: %w", irq, err)
	}
	return nil
}

// SetIRQType programs the trigger type of irq.
func (h *Host) SetIRQType(irq int, t Type) error {
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}
	d.mu.Lock()
	chip, hwirq := d.chip, d.hwirq
	d.mu.Unlock()

	if chip != nil {
		chip.BusLock()
		err = chip.SetType(hwirq, t)
		chip.BusSyncUnlock()
		if err != nil {
			return fmt.Errorf("irq %d: set type %s: %w", irq, t, err)
		}
	}

	d.mu.Lock()
	d.trigger = t
	d.mu.Unlock()
	return nil
}

// SetIRQWake enables or disables irq as a wakeup source. Calls nest; the
// chip is only told about the first enable and the last disable.
func (h *Host) SetIRQWake(irq int, on bool) error {
	d, err := h.lookup(irq)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var edge bool
	if on {
		d.wakeDepth++
		edge = d.wakeDepth == 1
	} else {
		if d.wakeDepth == 0 {
			d.mu.Unlock()
			return fmt.Errorf("irq %d: %w", irq, ErrUnbalancedWake)
		}
		d.wakeDepth--
		edge = d.wakeDepth == 0
	}
	chip, hwirq := d.chip, d.hwirq
	d.mu.Unlock()

	if chip == nil || !edge {
		return nil
	}

	chip.BusLock()
	err = chip.SetWake(hwirq, on)
	chip.BusSyncUnlock()
	if err != nil {
		d.mu.Lock()
		if on {
			d.wakeDepth--
		} else {
			d.wakeDepth++
		}
		d.mu.Unlock()
		return fmt.Errorf("irq %d: set wake: %w", irq, err)
	}
	return nil
}

// Stats returns a snapshot of the counters of irq.
func (h *Host) Stats(irq int) (Stats, error) {
	d, err := h.lookup(irq)
	if err != nil {
		return Stats{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Name:      d.name,
		Count:     d.count,
		Unhandled: d.unhandled,
		Depth:     d.depth,
		WakeDepth: d.wakeDepth,
		Trigger:   d.trigger,
		HWIRQ:     d.hwirq,
		Nested:    d.chip != nil,
	}, nil
}

var _ chipset.InterruptSink = (*Host)(nil)
