package registry

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
)

// ErrUnavailable is returned when a camera type cannot be resolved:
// the device is absent, unplugged or access was denied.
var ErrUnavailable = errors.New("camera unavailable")

// Registry resolves logical camera types to devices. It keeps no state of
// its own: every query goes to the catalog so it reflects current
// hardware presence rather than a stale handle.
type Registry struct {
	catalog camera.Catalog
}

func New(c camera.Catalog) *Registry {
	return &Registry{catalog: c}
}

// Resolve returns the device currently present for t. Failures wrap
// ErrUnavailable and keep the catalog's cause (camera.ErrNotFound,
// camera.ErrPermissionDenied, ...).
func (r *Registry) Resolve(t camera.Type) (camera.Device, error) {
	d, err := r.catalog.Lookup(t)
	if err != nil {
		debug.Verbose("Registry: %s camera unavailable: %v", t, err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s camera: %w", ErrUnavailable, t, camera.ErrNotFound)
	}
	debug.Verbose("Registry: %s camera resolved to %s", t, d.ID())
	return d, nil
}

// IsAvailable reports whether t currently resolves.
func (r *Registry) IsAvailable(t camera.Type) bool {
	_, err := r.Resolve(t)
	return err == nil
}

// Available lists the camera types that currently resolve.
func (r *Registry) Available() []camera.Type {
	var out []camera.Type
	for _, t := range camera.Types() {
		if r.IsAvailable(t) {
			out = append(out, t)
		}
	}
	return out
}
