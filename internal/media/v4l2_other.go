//go:build !linux

package media

import (
	"errors"

	"github.com/rs/zerolog"
)

// V4L2Source is only available on Linux.
type V4L2Source struct {
	Source
}

// OpenV4L2Source always fails on this platform.
func OpenV4L2Source(cfg DeviceConfig, log zerolog.Logger) (*V4L2Source, error) {
	return nil, errors.New("v4l2 source requires linux")
}
