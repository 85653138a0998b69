//go:build !linux

package accessory

import "fmt"

func OpenRail(pin int) (Rail, error) {
	return nil, fmt.Errorf("accessory: gpio rail unsupported on this platform")
}
