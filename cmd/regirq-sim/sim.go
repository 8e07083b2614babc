package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/regirq/internal/chipset"
	"github.com/tinyrange/regirq/internal/devices/pmic"
	"github.com/tinyrange/regirq/internal/irq"
	"github.com/tinyrange/regirq/internal/regirq"
	"github.com/tinyrange/regirq/internal/regmap"
)

// deliveryTimeout bounds how long an injected source may stay pending.
const deliveryTimeout = 2 * time.Second

// source is one injectable irq of the device.
type source struct {
	hwirq   int
	virq    int
	row     int
	bits    uint32
	trigger irq.Type

	injected   atomic.Uint64
	dispatched atomic.Uint64
}

type simulator struct {
	cfg  *simConfig
	log  *slog.Logger
	host *irq.Host
	cs   *chipset.Chipset
	dev  *pmic.PMIC
	ctrl *regirq.Controller

	sources []*source
}

func newSimulator(cfg *simConfig, log *slog.Logger) (*simulator, error) {
	s := &simulator{cfg: cfg, log: log, host: irq.NewHost(cfg.Lines)}

	dev, err := pmic.New(pmic.Config{
		Base:       cfg.Device.Base,
		NumRegs:    cfg.Device.NumRegs,
		Stride:     cfg.Device.Stride,
		ValBytes:   cfg.Device.ValBytes,
		MainStatus: cfg.Device.MainStatus,
		AckMode:    cfg.Device.AckMode,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	s.dev = dev

	b := chipset.NewBuilder()
	if err := b.WithInterruptSink(s.host); err != nil {
		return nil, err
	}
	if err := b.RegisterDevice("pmic", dev); err != nil {
		return nil, err
	}
	cs, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build chipset: %w", err)
	}
	s.cs = cs
	dev.SetIRQLine(cs.Lines().AllocateLine(uint8(cfg.Parent)))
	if err := cs.Start(); err != nil {
		return nil, err
	}

	m, err := regmap.NewMMIO(cs, regmap.Config{
		Base:      cfg.Device.Base,
		RegStride: cfg.Device.Stride,
		ValBits:   8 * cfg.Device.ValBytes,
		Trace:     log.Enabled(context.Background(), slog.LevelDebug),
	})
	if err != nil {
		return nil, err
	}

	chip := cfg.chip(dev.Layout())
	flags := irq.Flags(cfg.ParentTrigger) & irq.FlagTriggerMask
	ctrl, err := regirq.Attach(s.host, m, cfg.Parent, flags, cfg.IRQBase, chip, regirq.WithLogger(log.With("chip", chip.Name)))
	if err != nil {
		return nil, fmt.Errorf("attach controller: %w", err)
	}
	s.ctrl = ctrl

	if err := s.requestAll(chip, m.Stride()); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *simulator) requestAll(chip *regirq.Chip, stride uint32) error {
	for hwirq, d := range chip.IRQs {
		if d == nil {
			continue
		}
		virq, err := s.ctrl.VIRQ(hwirq)
		if err != nil {
			return err
		}
		src := &source{
			hwirq:   hwirq,
			virq:    virq,
			row:     int(d.RegOffset / stride),
			bits:    d.Mask,
			trigger: s.cfg.Triggers[hwirq],
		}
		err = s.host.RequestNestedIRQ(virq, src.trigger, fmt.Sprintf("%s-%d", chip.Name, hwirq), func(int) irq.Return {
			src.dispatched.Add(1)
			return irq.Handled
		})
		if err != nil {
			return fmt.Errorf("request hwirq %d: %w", hwirq, err)
		}
		s.sources = append(s.sources, src)
	}
	if len(s.sources) == 0 {
		return fmt.Errorf("descriptor %q declares no irqs", chip.Name)
	}
	s.log.Info("sim: controller attached", "chip", chip.Name, "parent", s.cfg.Parent, "irqs", len(s.sources))
	return nil
}

func (s *simulator) close() {
	s.ctrl.Detach()
	if err := s.cs.Stop(); err != nil {
		s.log.Warn("sim: failed to stop chipset", "err", err)
	}
}

// inject raises n random sources from workers goroutines. Each worker waits
// for its source to be acknowledged before raising the next one.
func (s *simulator) inject(ctx context.Context, n, workers int, seed uint64, progress func()) error {
	if workers < 1 {
		workers = 1
	}
	var next atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewPCG(seed, uint64(w)))
		g.Go(func() error {
			for next.Add(1) <= int64(n) {
				src := s.sources[rng.IntN(len(s.sources))]
				if err := s.raise(ctx, src); err != nil {
					return err
				}
				if progress != nil {
					progress()
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *simulator) raise(ctx context.Context, src *source) error {
	if err := s.dev.Raise(src.row, src.bits); err != nil {
		return err
	}
	src.injected.Add(1)

	deadline := time.Now().Add(deliveryTimeout)
	for s.dev.Status(src.row)&src.bits != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("hwirq %d still pending after %s", src.hwirq, deliveryTimeout)
		}
		time.Sleep(50 * time.Microsecond)
	}
	s.log.Debug("sim: delivered", "hwirq", src.hwirq, "virq", src.virq)
	return nil
}

// totals returns the injected and dispatched counts over all sources.
func (s *simulator) totals() (injected, dispatched uint64) {
	for _, src := range s.sources {
		injected += src.injected.Load()
		dispatched += src.dispatched.Load()
	}
	return injected, dispatched
}

func (s *simulator) report(w io.Writer) error {
	rows := [][]string{{"HWIRQ", "VIRQ", "TRIGGER", "INJECTED", "DISPATCHED", "UNHANDLED"}}
	for _, src := range s.sources {
		if src.injected.Load() == 0 && src.dispatched.Load() == 0 {
			continue
		}
		st, err := s.host.Stats(src.virq)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			strconv.Itoa(src.hwirq),
			strconv.Itoa(src.virq),
			st.Trigger.String(),
			strconv.FormatUint(src.injected.Load(), 10),
			strconv.FormatUint(src.dispatched.Load(), 10),
			strconv.FormatUint(st.Unhandled, 10),
		})
	}
	if err := writeTable(w, rows); err != nil {
		return err
	}

	parent, err := s.host.Stats(s.cfg.Parent)
	if err != nil {
		return err
	}
	injected, dispatched := s.totals()
	_, err = fmt.Fprintf(w, "\nparent %d: %d runs, %d unhandled; %d injected, %d dispatched, %d coalesced\n",
		s.cfg.Parent, parent.Count, parent.Unhandled, injected, dispatched, injected-min(injected, dispatched))
	return err
}

// writeTable left-aligns rows into columns using display width.
func writeTable(w io.Writer, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	var sb strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)))
			}
		}
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
