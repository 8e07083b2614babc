// Package irq is a small host interrupt subsystem: interrupt descriptors,
// one-shot threaded handlers on root lines, nested dispatch for interrupts
// demultiplexed by a secondary controller, and hwirq to virq domains.
package irq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoSuchIRQ      = errors.New("no such irq")
	ErrBusy           = errors.New("irq already has a handler")
	ErrUnbalancedWake = errors.New("unbalanced wake disable")
	ErrNotNested      = errors.New("irq is not bound to a chip")
	ErrNotOneShot     = errors.New("threaded handler requires FlagOneShot")
)

// Type is an interrupt trigger type. Values may be combined; TypeEdgeBoth is
// the combination of both edges.
type Type uint32

const (
	TypeNone        Type = 0
	TypeEdgeRising  Type = 1 << 0
	TypeEdgeFalling Type = 1 << 1
	TypeEdgeBoth         = TypeEdgeRising | TypeEdgeFalling
	TypeLevelHigh   Type = 1 << 2
	TypeLevelLow    Type = 1 << 3
	TypeSenseMask   Type = 0xf
)

var typeNames = []struct {
	t    Type
	name string
}{
	{TypeEdgeBoth, "edge-both"},
	{TypeEdgeRising, "edge-rising"},
	{TypeEdgeFalling, "edge-falling"},
	{TypeLevelHigh, "level-high"},
	{TypeLevelLow, "level-low"},
}

// IsEdge reports whether t contains an edge trigger.
func (t Type) IsEdge() bool {
	return t&TypeEdgeBoth != 0
}

func (t Type) String() string {
	if t == TypeNone {
		return "none"
	}
	var parts []string
	rest := t
	for _, n := range typeNames {
		if rest&n.t == n.t {
			parts = append(parts, n.name)
			rest &^= n.t
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts names joined
// with '|', e.g. "edge-both|level-high".
func (t *Type) UnmarshalText(text []byte) error {
	var out Type
	for _, part := range strings.Split(string(text), "|") {
		part = strings.TrimSpace(part)
		if part == "" || part == "none" {
			continue
		}
		found := false
		for _, n := range typeNames {
			if n.name == part {
				out |= n.t
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("irq: unknown trigger type %q", part)
		}
	}
	*t = out
	return nil
}

// Flags are request flags for RequestThreadedIRQ. The low bits carry the
// trigger type.
type Flags uint32

const (
	FlagTriggerRising  = Flags(TypeEdgeRising)
	FlagTriggerFalling = Flags(TypeEdgeFalling)
	FlagTriggerHigh    = Flags(TypeLevelHigh)
	FlagTriggerLow     = Flags(TypeLevelLow)
	FlagTriggerMask    = Flags(TypeSenseMask)

	// FlagOneShot keeps the line masked until the handler thread returns.
	FlagOneShot Flags = 1 << 13
)

// Trigger returns the trigger type encoded in f.
func (f Flags) Trigger() Type {
	return Type(f & FlagTriggerMask)
}

// Return is the result of an interrupt handler.
type Return int

const (
	// None means the interrupt was not from this device.
	None Return = iota
	// Handled means at least one source was serviced.
	Handled
)

func (r Return) String() string {
	if r == Handled {
		return "handled"
	}
	return "none"
}

// Handler services an interrupt. It runs on a goroutine that may block.
type Handler func(irq int) Return

// Chip is a secondary interrupt controller that owns a range of hwirqs.
//
// The host brackets every per-irq call with BusLock and BusSyncUnlock, so a
// chip can batch its register writes and flush them once on unlock.
type Chip interface {
	Name() string
	BusLock()
	BusSyncUnlock()
	Enable(hwirq int) error
	Disable(hwirq int) error
	SetType(hwirq int, t Type) error
	SetWake(hwirq int, on bool) error
}

// Stats is a snapshot of a descriptor's counters.
type Stats struct {
	Name      string
	Count     uint64
	Unhandled uint64
	Depth     int
	WakeDepth int
	Trigger   Type
	HWIRQ     int
	Nested    bool
}
