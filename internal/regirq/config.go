package regirq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseChip decodes a YAML chip descriptor and checks its shape. Unknown
// keys are rejected. A null entry in irqs is an unassigned slot.
//
// Stride-dependent checks run when the chip is attached.
func ParseChip(data []byte) (*Chip, error) {
	var chip Chip
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&chip); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, configErr("empty descriptor")
		}
		return nil, fmt.Errorf("regirq: decode chip: %w", err)
	}
	if err := chip.validateShape(); err != nil {
		return nil, err
	}
	return &chip, nil
}

// LoadChip reads a YAML chip descriptor from path.
func LoadChip(path string) (*Chip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("regirq: read %s: %w", path, err)
	}
	chip, err := ParseChip(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return chip, nil
}
