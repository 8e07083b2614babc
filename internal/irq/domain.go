package irq

import (
	"fmt"
	"log/slog"
	"sync"
)

// Domain translates the hwirqs of one chip into host irq numbers.
type Domain struct {
	host   *Host
	name   string
	chip   Chip
	parent int

	legacy bool
	first  int

	mu      sync.Mutex
	revmap  []int
	removed bool
}

// NewLinearDomain returns a domain of size hwirqs whose virqs are allocated
// on demand by CreateMapping.
func (h *Host) NewLinearDomain(name string, size int, chip Chip, parent int) (*Domain, error) {
	if size <= 0 {
		return nil, fmt.Errorf("irq: domain %q: invalid size %d", name, size)
	}
	if chip == nil {
		return nil, fmt.Errorf("irq: domain %q: nil chip", name)
	}
	return &Domain{
		host:   h,
		name:   name,
		chip:   chip,
		parent: parent,
		revmap: make([]int, size),
	}, nil
}

// NewLegacyDomain binds hwirq i to virq first+i for every i up front. The
// descriptors must already be allocated, typically with AllocDescs.
func (h *Host) NewLegacyDomain(name string, size, first int, chip Chip, parent int) (*Domain, error) {
	d, err := h.NewLinearDomain(name, size, chip, parent)
	if err != nil {
		return nil, err
	}
	d.legacy = true
	d.first = first
	for hwirq := 0; hwirq < size; hwirq++ {
		if err := d.associate(first+hwirq, hwirq); err != nil {
			for i := 0; i < hwirq; i++ {
				d.disassociate(first+i, i)
			}
			return nil, err
		}
	}
	return d, nil
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Size returns the number of hwirqs the domain covers.
func (d *Domain) Size() int { return len(d.revmap) }

// Legacy reports whether the domain maps a fixed contiguous virq block.
func (d *Domain) Legacy() bool { return d.legacy }

func (d *Domain) associate(virq, hwirq int) error {
	desc, err := d.host.lookup(virq)
	if err != nil {
		return err
	}
	desc.mu.Lock()
	if desc.chip != nil {
		desc.mu.Unlock()
		return fmt.Errorf("irq: virq %d already bound to hwirq %d of %s", virq, desc.hwirq, desc.chip.Name())
	}
	desc.chip = d.chip
	desc.hwirq = hwirq
	desc.domain = d
	desc.parent = d.parent
	desc.mu.Unlock()

	d.mu.Lock()
	d.revmap[hwirq] = virq
	d.mu.Unlock()
	return nil
}

func (d *Domain) disassociate(virq, hwirq int) {
	if desc, err := d.host.lookup(virq); err == nil {
		desc.mu.Lock()
		if desc.domain == d {
			desc.chip = nil
			desc.domain = nil
			desc.handler = nil
			desc.name = ""
		}
		desc.mu.Unlock()
	}
	d.mu.Lock()
	if hwirq >= 0 && hwirq < len(d.revmap) && d.revmap[hwirq] == virq {
		d.revmap[hwirq] = 0
	}
	d.mu.Unlock()
}

// CreateMapping returns the virq for hwirq, allocating one if needed.
func (d *Domain) CreateMapping(hwirq int) (int, error) {
	if hwirq < 0 || hwirq >= len(d.revmap) {
		return 0, fmt.Errorf("irq: domain %q: hwirq %d out of range", d.name, hwirq)
	}
	d.mu.Lock()
	removed := d.removed
	virq := d.revmap[hwirq]
	d.mu.Unlock()
	if removed {
		return 0, fmt.Errorf("irq: domain %q has been removed", d.name)
	}
	if virq != 0 {
		return virq, nil
	}

	if d.legacy {
		virq = d.first + hwirq
		if _, err := d.host.AllocDescs(virq, 1); err != nil {
			return 0, fmt.Errorf("irq: domain %q: %w", d.name, err)
		}
	} else {
		var err error
		virq, err = d.host.AllocDescs(0, 1)
		if err != nil {
			return 0, fmt.Errorf("irq: domain %q: %w", d.name, err)
		}
	}
	if err := d.associate(virq, hwirq); err != nil {
		d.host.FreeDescs(virq, 1)
		return 0, err
	}
	slog.Debug("irq: mapped", "domain", d.name, "hwirq", hwirq, "virq", virq)
	return virq, nil
}

// FindMapping returns the virq bound to hwirq, or 0 when unmapped.
func (d *Domain) FindMapping(hwirq int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hwirq < 0 || hwirq >= len(d.revmap) {
		return 0
	}
	return d.revmap[hwirq]
}

// DisposeMapping unbinds virq and frees its descriptor. A handler still
// installed on virq is dropped without calling the chip.
func (d *Domain) DisposeMapping(virq int) {
	desc, err := d.host.lookup(virq)
	if err != nil {
		return
	}
	desc.mu.Lock()
	owned := desc.domain == d
	hwirq := desc.hwirq
	desc.mu.Unlock()
	if !owned {
		return
	}
	d.disassociate(virq, hwirq)
	d.host.FreeDescs(virq, 1)
}

// Remove retires the domain. Further mappings fail.
func (d *Domain) Remove() {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := 0
	for _, virq := range d.revmap {
		if virq != 0 {
			live++
		}
	}
	if live > 0 {
		slog.Warn("irq: removing domain with live mappings", "domain", d.name, "mappings", live)
	}
	d.removed = true
}
