//go:build linux

package motor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

var pwmSysfsBase = "/sys/class/pwm"

// sysfsPWM drives one enable (EN) channel of the power stage through /sys/class/pwm.
// Duty is on the 0..255 scale used by the commutation code.
type sysfsPWM struct {
	chipPath string
	pwmPath  string
	channel  int

	periodNS uint64
	enabled  bool
}

func openPWMChannel(chip string, channel int) (*sysfsPWM, error) {
	chipPath := filepath.Join(pwmSysfsBase, chip)
	if _, err := os.Stat(chipPath); err != nil {
		return nil, fmt.Errorf("motor: pwm chip %s: %w", chip, err)
	}
	p := &sysfsPWM{
		chipPath: chipPath,
		channel:  channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
	}
	if err := p.export(); err != nil {
		return nil, err
	}
	_ = p.writeBool("enable", false)
	return p, nil
}

func (p *sysfsPWM) export() error {
	if _, err := os.Stat(p.pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(p.chipPath, "export"), strconv.Itoa(p.channel)); err != nil {
		if _, statErr := os.Stat(p.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("motor: export pwm%d: %w", p.channel, err)
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(p.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("motor: pwm%d not created after export", p.channel)
}

// setFrequency reprograms the period, keeping the current duty ratio at zero.
func (p *sysfsPWM) setFrequency(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("motor: invalid pwm frequency %d", hz)
	}
	period := uint64(1_000_000_000 / hz)
	if period == 0 {
		period = 1
	}
	// The kernel rejects a period shorter than the programmed duty.
	_ = p.writeUint("duty_cycle", 0)
	_ = p.writeBool("enable", false)
	p.enabled = false
	if err := p.writeUint("period", period); err != nil {
		return err
	}
	p.periodNS = period
	if err := p.writeBool("enable", true); err != nil {
		return err
	}
	p.enabled = true
	return nil
}

func (p *sysfsPWM) setDuty(duty uint8) error {
	if p.periodNS == 0 {
		if err := p.setFrequency(DefaultProfile().StartPWMHz); err != nil {
			return err
		}
	}
	ns := p.periodNS * uint64(duty) / 255
	if err := p.writeUint("duty_cycle", ns); err != nil {
		return err
	}
	if !p.enabled {
		if err := p.writeBool("enable", true); err != nil {
			return err
		}
		p.enabled = true
	}
	return nil
}

func (p *sysfsPWM) close() error {
	err := p.writeUint("duty_cycle", 0)
	if derr := p.writeBool("enable", false); derr != nil {
		err = errors.Join(err, derr)
	}
	p.enabled = false
	return err
}

func (p *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(p.pwmPath, name), strconv.FormatUint(v, 10))
}

func (p *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(p.pwmPath, name), val)
}

// writeSysfs writes without O_TRUNC/O_CREATE and retries briefly while udev
// settles permissions on freshly exported attributes.
func writeSysfs(path, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := writeOnce(path, value)
		if err == nil {
			return nil
		}
		if !time.Now().Before(deadline) || !retryableSysfs(err) {
			return err
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	return errors.Join(werr, f.Close())
}

func retryableSysfs(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}
