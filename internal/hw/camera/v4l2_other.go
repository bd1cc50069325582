//go:build !linux

package camera

import (
	"errors"
	"fmt"
)

var errNoV4L2 = errors.New("V4L2 capture requires Linux")

// DeviceInfo describes one enumerated capture device.
type DeviceInfo struct {
	Path    string
	Name    string
	Formats []string
}

// List is unavailable off Linux.
func List(glob string) ([]DeviceInfo, error) {
	return nil, errNoV4L2
}

// Open is unavailable off Linux; use the pattern source instead.
func Open(cfg Config) (Session, error) {
	return nil, fmt.Errorf("%w: %v", ErrSessionInit, errNoV4L2)
}
