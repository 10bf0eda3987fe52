//go:build !linux

package camera

import (
	"fmt"
	"time"
)

// V4L2Options describe how to open one V4L2 camera.
type V4L2Options struct {
	Path           string
	Width, Height  int
	FPS            int
	CaptureTimeout time.Duration
	Torch          *GPIOTorch
}

// V4L2Catalog reports every slot as not found: V4L2 exists only on Linux.
type V4L2Catalog struct{}

// NewV4L2Catalog returns a catalog with no devices on this platform.
func NewV4L2Catalog(map[Type]V4L2Options) *V4L2Catalog {
	return &V4L2Catalog{}
}

func (c *V4L2Catalog) Lookup(t Type) (Device, error) {
	return nil, fmt.Errorf("%s camera: %w (V4L2 requires linux)", t, ErrNotFound)
}
