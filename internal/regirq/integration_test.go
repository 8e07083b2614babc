package regirq_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/regirq/internal/chipset"
	"github.com/tinyrange/regirq/internal/devices/pmic"
	"github.com/tinyrange/regirq/internal/irq"
	"github.com/tinyrange/regirq/internal/regirq"
	"github.com/tinyrange/regirq/internal/regmap"
)

const (
	rigBase   = 0x1000_0000
	rigParent = 3
)

type rig struct {
	host *irq.Host
	cs   *chipset.Chipset
	dev  *pmic.PMIC
	ctrl *regirq.Controller
}

// newRig wires a pmic behind a chipset, a register map over the chipset and a
// controller with one irq per status bit.
func newRig(t *testing.T, cfg pmic.Config) *rig {
	t.Helper()
	cfg.Base = rigBase

	h := irq.NewHost(8)
	dev, err := pmic.New(cfg, nil)
	if err != nil {
		t.Fatalf("pmic: %v", err)
	}
	b := chipset.NewBuilder()
	if err := b.WithInterruptSink(h); err != nil {
		t.Fatalf("sink: %v", err)
	}
	if err := b.RegisterDevice("pmic", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dev.SetIRQLine(cs.Lines().AllocateLine(rigParent))

	valBytes := cfg.ValBytes
	if valBytes == 0 {
		valBytes = 4
	}
	m, err := regmap.NewMMIO(cs, regmap.Config{Base: rigBase, ValBits: 8 * valBytes})
	if err != nil {
		t.Fatalf("regmap: %v", err)
	}

	l := dev.Layout()
	chip := &regirq.Chip{
		Name:        "pmic",
		NumRegs:     cfg.NumRegs,
		StatusBase:  l.Status,
		MaskBase:    l.Mask,
		WakeBase:    l.Wake,
		MainStatus:  l.MainStatus,
		NumMainRegs: l.NumMainRegs,
	}
	if cfg.AckMode != pmic.AckClearOnRead {
		chip.AckBase = l.Ack
	}
	for row := 0; row < cfg.NumRegs; row++ {
		for bit := 0; bit < 8; bit++ {
			chip.IRQs = append(chip.IRQs, regirq.Reg(uint32(row*valBytes), 1<<bit))
		}
	}

	ctrl, err := regirq.Attach(h, m, rigParent, irq.FlagTriggerHigh, 0, chip)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(ctrl.Detach)
	return &rig{host: h, cs: cs, dev: dev, ctrl: ctrl}
}

// listen installs a handler on hwirq that reports each dispatch on the
// returned channel.
func (r *rig) listen(t *testing.T, hwirq, depth int) <-chan int {
	t.Helper()
	virq, err := r.ctrl.VIRQ(hwirq)
	if err != nil {
		t.Fatalf("virq(%d): %v", hwirq, err)
	}
	ch := make(chan int, depth)
	err = r.host.RequestNestedIRQ(virq, irq.TypeNone, fmt.Sprintf("hw%d", hwirq), func(int) irq.Return {
		ch <- hwirq
		return irq.Handled
	})
	if err != nil {
		t.Fatalf("request(%d): %v", hwirq, err)
	}
	return ch
}

func waitQuiet(t *testing.T, r *rig) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.dev.Asserted() || r.cs.Lines().Level(rigParent) {
		if time.Now().After(deadline) {
			t.Fatalf("line still asserted")
		}
		time.Sleep(time.Millisecond)
	}
}

func expect(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("dispatched hwirq %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hwirq %d was not dispatched", want)
	}
}

func TestEndToEndWriteOneToClear(t *testing.T) {
	r := newRig(t, pmic.Config{NumRegs: 2})
	ch := r.listen(t, 11, 1)

	if got := r.dev.Mask(1); got&(1<<3) != 0 {
		t.Fatalf("mask row 1 = %#x, hwirq 11 still masked", got)
	}

	// A masked source is latched but never dispatched.
	r.dev.Raise(0, 1<<5)
	if r.dev.Asserted() {
		t.Fatalf("masked source asserted the line")
	}

	r.dev.Raise(1, 1<<3)
	expect(t, ch, 11)
	waitQuiet(t, r)
	if got := r.dev.Status(1); got != 0 {
		t.Fatalf("status row 1 = %#x after ack", got)
	}
	if got := r.dev.Status(0); got != 1<<5 {
		t.Fatalf("masked status lost: %#x", got)
	}
}

func TestEndToEndMainStatusClearOnRead(t *testing.T) {
	r := newRig(t, pmic.Config{NumRegs: 3, ValBytes: 1, MainStatus: true, AckMode: pmic.AckClearOnRead})
	ch := r.listen(t, 2*8+6, 1)
	other := r.listen(t, 0, 1)

	r.dev.Raise(2, 1<<6)
	expect(t, ch, 2*8+6)
	waitQuiet(t, r)

	select {
	case got := <-other:
		t.Fatalf("unexpected dispatch of hwirq %d", got)
	default:
	}
}

func TestEndToEndDisableFromHandler(t *testing.T) {
	r := newRig(t, pmic.Config{NumRegs: 1})
	virq, err := r.ctrl.VIRQ(4)
	if err != nil {
		t.Fatalf("virq: %v", err)
	}
	done := make(chan struct{}, 1)
	err = r.host.RequestNestedIRQ(virq, irq.TypeNone, "oneshot", func(got int) irq.Return {
		if err := r.host.DisableIRQ(got); err != nil {
			t.Errorf("disable: %v", err)
		}
		done <- struct{}{}
		return irq.Handled
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	r.dev.Raise(0, 1<<4)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("not dispatched")
	}
	waitQuiet(t, r)
	if got := r.dev.Mask(0); got&(1<<4) == 0 {
		t.Fatalf("mask = %#x, handler's disable did not reach the device", got)
	}

	// Raised again while disabled: latched, no dispatch.
	r.dev.Raise(0, 1<<4)
	if r.dev.Asserted() {
		t.Fatalf("disabled source asserted the line")
	}
	if err := r.host.EnableIRQ(virq); err != nil {
		t.Fatalf("enable: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("latched source not dispatched after enable")
	}
}

func TestEndToEndConcurrentSources(t *testing.T) {
	const (
		sources = 6
		rounds  = 50
	)
	r := newRig(t, pmic.Config{NumRegs: 2})

	chans := make([]<-chan int, sources)
	for i := range chans {
		chans[i] = r.listen(t, i*2+1, rounds)
	}
	// hwirq 0 is never raised; its mask flips while the sources run.
	spare, err := r.ctrl.VIRQ(0)
	if err != nil {
		t.Fatalf("virq: %v", err)
	}
	if err := r.host.RequestNestedIRQ(spare, irq.TypeNone, "spare", func(int) irq.Return { return irq.Handled }); err != nil {
		t.Fatalf("request spare: %v", err)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < sources; i++ {
		hwirq := i*2 + 1
		ch := chans[i]
		g.Go(func() error {
			for n := 0; n < rounds; n++ {
				if err := r.dev.Raise(hwirq/8, 1<<(hwirq%8)); err != nil {
					return err
				}
				select {
				case got := <-ch:
					if got != hwirq {
						return fmt.Errorf("source %d got dispatch for %d", hwirq, got)
					}
				case <-time.After(2 * time.Second):
					return fmt.Errorf("source %d round %d not dispatched", hwirq, n)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for n := 0; n < rounds; n++ {
			if err := r.host.DisableIRQ(spare); err != nil {
				return err
			}
			if err := r.host.EnableIRQ(spare); err != nil {
				return err
			}
			if err := r.host.SetIRQWake(spare, true); err != nil {
				return err
			}
			if err := r.host.SetIRQWake(spare, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	waitQuiet(t, r)
	if st, _ := r.host.Stats(rigParent); st.WakeDepth != 0 {
		t.Fatalf("parent wake depth = %d", st.WakeDepth)
	}
	// The count is bumped after the handler returns, so allow the last
	// dispatch to finish.
	deadline := time.Now().Add(2 * time.Second)
	for i := 0; i < sources; i++ {
		virq := r.ctrl.Domain().FindMapping(i*2 + 1)
		for {
			st, err := r.host.Stats(virq)
			if err != nil || st.Count > rounds {
				t.Fatalf("hwirq %d stats = %+v, %v", i*2+1, st, err)
			}
			if st.Count == rounds {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("hwirq %d dispatched %d times, want %d", i*2+1, st.Count, rounds)
			}
			time.Sleep(time.Millisecond)
		}
	}
}
