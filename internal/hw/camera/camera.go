package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Hardware-level failures reported by devices and catalogs.
var (
	ErrNotFound         = errors.New("camera not found")
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDisconnected     = errors.New("camera disconnected")
	ErrUnsupported      = errors.New("operation not supported by camera")
)

// Type identifies a logical camera slot, not a specific piece of hardware.
type Type int

const (
	Back Type = iota
	Front
)

// Types lists every camera slot in resolution order.
func Types() []Type {
	return []Type{Back, Front}
}

func (t Type) String() string {
	switch t {
	case Back:
		return "back"
	case Front:
		return "front"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType converts "front" or "back" (any case) into a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "rear":
		return Back, nil
	case "front":
		return Front, nil
	default:
		return 0, fmt.Errorf("unknown camera type %q", s)
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	v, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Orientation is the active device orientation. Captured images are
// tagged with it; pixel transforms happen elsewhere.
type Orientation int

const (
	Portrait Orientation = iota
	PortraitUpsideDown
	LandscapeLeft
	LandscapeRight
)

var orientationNames = [...]string{"portrait", "portrait_upside_down", "landscape_left", "landscape_right"}

func (o Orientation) String() string {
	if o < 0 || int(o) >= len(orientationNames) {
		return fmt.Sprintf("Orientation(%d)", int(o))
	}
	return orientationNames[o]
}

// ParseOrientation converts an orientation name into an Orientation.
func ParseOrientation(s string) (Orientation, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range orientationNames {
		if n == name {
			return Orientation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown orientation %q", s)
}

func (o Orientation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Orientation) UnmarshalText(text []byte) error {
	v, err := ParseOrientation(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// FocusState is the autofocus state reported in telemetry.
type FocusState int

const (
	FocusUnknown FocusState = iota
	FocusSearching
	FocusLocked
	FocusFailed
)

func (f FocusState) String() string {
	switch f {
	case FocusSearching:
		return "searching"
	case FocusLocked:
		return "locked"
	case FocusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (f FocusState) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Telemetry is a raw reading of the device's operating parameters.
type Telemetry struct {
	ExposureValue float64    `json:"exposure_value"`
	Focus         FocusState `json:"focus"`
	LightLevel    float64    `json:"light_level"`
}

// Device is a handle to one physical camera. The session drives it
// through three stages: input (Open/Close), preview output
// (StartPreview/StopPreview) and still output (ConfigureStill/Shoot).
type Device interface {
	// ID is a stable hardware identifier (e.g. "/dev/video0").
	ID() string
	Type() Type

	Open() error
	Close() error

	// StartPreview returns a channel of encoded preview frames.
	// StopPreview closes that channel.
	StartPreview() (<-chan []byte, error)
	StopPreview() error

	ConfigureStill() error
	// Shoot captures one still and returns its encoded bytes.
	Shoot(ctx context.Context) ([]byte, error)

	// Telemetry reads the current operating parameters. It is safe to
	// call concurrently with Shoot.
	Telemetry() (Telemetry, error)
}

// Torch is implemented by devices that may have a continuous light.
type Torch interface {
	HasTorch() bool
	SetTorch(on bool) error
}

// Focuser is implemented by devices that can rerun autofocus.
type Focuser interface {
	Refocus() error
}

// Catalog is the platform's device catalog. It owns the devices;
// Lookup must reflect current presence and permission.
type Catalog interface {
	Lookup(t Type) (Device, error)
}
