//go:build linux

package accessory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// OpenRail claims the accessory enable line as an output, initially off.
// Line names follow the "GPIO<n>" convention; every gpiochip is searched.
func OpenRail(pin int) (Rail, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("accessory: invalid rail gpio %d", pin)
	}
	lineName := fmt.Sprintf("GPIO%d", pin)

	chips := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			chips = append(chips, filepath.Join("/dev", e.Name()))
		}
	}

	for _, path := range chips {
		chip, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("ozealis-acc-rail"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpioRail{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("accessory: gpio line %q not found (or busy)", lineName)
}

type gpioRail struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (r *gpioRail) Set(on bool) error {
	if r == nil || r.line == nil {
		return fmt.Errorf("accessory: rail not initialized")
	}
	v := 0
	if on {
		v = 1
	}
	return r.line.SetValue(v)
}

func (r *gpioRail) Close() error {
	if r == nil || r.line == nil {
		return nil
	}
	_ = r.line.SetValue(0)
	err := r.line.Close()
	r.line = nil
	if r.chip != nil {
		_ = r.chip.Close()
		r.chip = nil
	}
	return err
}
