package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/regirq/internal/devices/pmic"
	"github.com/tinyrange/regirq/internal/irq"
	"github.com/tinyrange/regirq/internal/regirq"
)

const (
	defaultDeviceBase = 0x1000_0000
	defaultLines      = 8
	defaultParent     = 3
)

// deviceConfig is the geometry of the emulated interrupt block.
type deviceConfig struct {
	Base       uint64       `yaml:"base"`
	NumRegs    int          `yaml:"num_regs"`
	Stride     uint32       `yaml:"stride"`
	ValBytes   int          `yaml:"val_bytes"`
	MainStatus bool         `yaml:"main_status"`
	AckMode    pmic.AckMode `yaml:"ack_mode"`
}

// simConfig is the simulator input file.
type simConfig struct {
	Device deviceConfig `yaml:"device"`

	// Lines is the number of root interrupt lines on the host.
	Lines  int `yaml:"lines"`
	Parent int `yaml:"parent"`
	// IRQBase requests a fixed virq block. Zero maps on demand.
	IRQBase       int      `yaml:"irq_base"`
	ParentTrigger irq.Type `yaml:"parent_trigger"`

	// Triggers programs a trigger type per hwirq before it is enabled.
	Triggers map[int]irq.Type `yaml:"triggers"`

	// Chip overrides the descriptor derived from the device layout.
	Chip *regirq.Chip `yaml:"chip"`
}

func parseSimConfig(data []byte) (*simConfig, error) {
	var cfg simConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode simulator config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadSimConfig(path string) (*simConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read simulator config: %w", err)
	}
	cfg, err := parseSimConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *simConfig) normalize() error {
	if c.Device.Base == 0 {
		c.Device.Base = defaultDeviceBase
	}
	if c.Device.NumRegs == 0 {
		c.Device.NumRegs = 1
	}
	if c.Device.ValBytes == 0 {
		c.Device.ValBytes = 4
	}
	if c.Device.Stride == 0 {
		c.Device.Stride = uint32(c.Device.ValBytes)
	}
	if c.Device.AckMode == "" {
		c.Device.AckMode = pmic.AckWriteOneToClear
	}
	if c.Lines == 0 {
		c.Lines = defaultLines
	}
	if c.Parent == 0 {
		c.Parent = defaultParent
	}
	if c.ParentTrigger == irq.TypeNone {
		c.ParentTrigger = irq.TypeLevelHigh
	}

	if c.Lines > 256 {
		return fmt.Errorf("lines %d exceeds the 8-bit line space", c.Lines)
	}
	if c.Parent < 0 || c.Parent >= c.Lines {
		return fmt.Errorf("parent line %d outside 0..%d", c.Parent, c.Lines-1)
	}
	if c.IRQBase < 0 {
		return fmt.Errorf("negative irq base %d", c.IRQBase)
	}
	if c.IRQBase > 0 && c.IRQBase < c.Lines {
		return fmt.Errorf("irq base %d overlaps the root lines", c.IRQBase)
	}
	return nil
}

// chip returns the descriptor to attach. Without an explicit chip every
// status bit of the device becomes one irq, numbered row*bits+bit.
func (c *simConfig) chip(l pmic.Layout) *regirq.Chip {
	if c.Chip != nil {
		if c.Chip.Name == "" {
			c.Chip.Name = "pmic"
		}
		return c.Chip
	}

	chip := &regirq.Chip{
		Name:        "pmic",
		NumRegs:     c.Device.NumRegs,
		StatusBase:  l.Status,
		MaskBase:    l.Mask,
		WakeBase:    l.Wake,
		MainStatus:  l.MainStatus,
		NumMainRegs: l.NumMainRegs,
	}
	if c.Device.AckMode == pmic.AckWriteOneToClear {
		chip.AckBase = l.Ack
	}
	bits := 8 * c.Device.ValBytes
	for row := 0; row < c.Device.NumRegs; row++ {
		for b := 0; b < bits; b++ {
			chip.IRQs = append(chip.IRQs, regirq.Reg(uint32(row)*c.Device.Stride, 1<<b))
		}
	}
	return chip
}
