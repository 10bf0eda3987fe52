//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// Camera class controls not exported by go4vl.
const (
	ctrlExposureAbsolute v4l2.CtrlID = 0x009a0902 // V4L2_CID_EXPOSURE_ABSOLUTE
	ctrlAutoFocusStart   v4l2.CtrlID = 0x009a091c // V4L2_CID_AUTO_FOCUS_START
	ctrlAutoFocusStatus  v4l2.CtrlID = 0x009a091d // V4L2_CID_AUTO_FOCUS_STATUS

	autoFocusStatusBusy    = 1 << 0
	autoFocusStatusReached = 1 << 1
	autoFocusStatusFailed  = 1 << 2
)

// V4L2Options describe how to open one V4L2 camera.
type V4L2Options struct {
	Path           string
	Width, Height  int
	FPS            int
	CaptureTimeout time.Duration
	Torch          *GPIOTorch // nil = no torch
}

// V4L2Device is a Linux camera streaming MJPEG through go4vl. Stills are
// taken from the running preview stream: Shoot waits for the next frame.
type V4L2Device struct {
	typ  Type
	opts V4L2Options

	mu         sync.Mutex
	dev        *device.Device
	stillReady bool
	cancel     context.CancelFunc
	pumpDone   chan struct{}
	waiters    []chan []byte
}

// NewV4L2Device prepares a device handle; nothing is opened until Open.
func NewV4L2Device(t Type, opts V4L2Options) *V4L2Device {
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 5 * time.Second
	}
	return &V4L2Device{typ: t, opts: opts}
}

func (d *V4L2Device) ID() string { return d.opts.Path }
func (d *V4L2Device) Type() Type { return d.typ }

func (d *V4L2Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return nil
	}
	if err := probePath(d.opts.Path); err != nil {
		return err
	}

	dev, err := device.Open(d.opts.Path,
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(d.opts.Width),
			Height:      uint32(d.opts.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithBufferSize(2),
		device.WithFPS(uint32(d.opts.FPS)),
	)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("open %s: %w", d.opts.Path, ErrPermissionDenied)
		}
		return fmt.Errorf("open %s: %w", d.opts.Path, err)
	}
	d.dev = dev
	debug.Verbose("V4L2 %s: opened %dx%d@%d MJPEG", d.opts.Path, d.opts.Width, d.opts.Height, d.opts.FPS)
	return nil
}

func (d *V4L2Device) Close() error {
	d.mu.Lock()
	dev := d.dev
	d.dev = nil
	d.stillReady = false
	d.mu.Unlock()
	if dev == nil {
		return nil
	}
	debug.Verbose("V4L2 %s: closing", d.opts.Path)
	return dev.Close()
}

func (d *V4L2Device) StartPreview() (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, fmt.Errorf("start preview on %s: device not open", d.opts.Path)
	}
	if d.cancel != nil {
		return nil, fmt.Errorf("start preview on %s: already streaming", d.opts.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.dev.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start stream on %s: %w", d.opts.Path, err)
	}

	frames := make(chan []byte, 1)
	done := make(chan struct{})
	d.cancel, d.pumpDone = cancel, done
	go d.pump(ctx, d.dev.GetOutput(), frames, done)
	return frames, nil
}

// pump copies stream frames to the preview channel and hands the next one
// to pending stills.
func (d *V4L2Device) pump(ctx context.Context, out <-chan []byte, frames chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(frames)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-out:
			if !ok {
				return
			}
			if len(raw) == 0 {
				continue
			}
			frame := make([]byte, len(raw))
			copy(frame, raw)

			d.mu.Lock()
			waiters := d.waiters
			d.waiters = nil
			d.mu.Unlock()
			for _, w := range waiters {
				w <- frame
			}

			select {
			case frames <- frame:
			default:
			}
		}
	}
}

func (d *V4L2Device) StopPreview() error {
	d.mu.Lock()
	cancel, done, dev := d.cancel, d.pumpDone, d.dev
	d.cancel, d.pumpDone = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if dev != nil {
		err = dev.Stop()
	}
	<-done
	return err
}

func (d *V4L2Device) ConfigureStill() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return fmt.Errorf("configure still on %s: device not open", d.opts.Path)
	}
	pix, err := d.dev.GetPixFormat()
	if err != nil {
		return fmt.Errorf("query pixel format on %s: %w", d.opts.Path, err)
	}
	if pix.PixelFormat != v4l2.PixelFmtMJPEG {
		return fmt.Errorf("still output on %s needs MJPEG, device negotiated %d", d.opts.Path, pix.PixelFormat)
	}
	d.stillReady = true
	return nil
}

func (d *V4L2Device) Shoot(ctx context.Context) ([]byte, error) {
	w := make(chan []byte, 1)
	d.mu.Lock()
	if !d.stillReady || d.cancel == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("shoot on %s: stream not running", d.opts.Path)
	}
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	timer := time.NewTimer(d.opts.CaptureTimeout)
	defer timer.Stop()
	select {
	case frame := <-w:
		return frame, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("shoot on %s: %w", d.opts.Path, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("shoot on %s: no frame within %v", d.opts.Path, d.opts.CaptureTimeout)
	}
}

func (d *V4L2Device) Telemetry() (Telemetry, error) {
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	if dev == nil {
		return Telemetry{}, fmt.Errorf("telemetry on %s: device not open", d.opts.Path)
	}

	exposure, err := dev.GetControl(ctrlExposureAbsolute)
	if err != nil {
		if _, statErr := os.Stat(d.opts.Path); statErr != nil {
			return Telemetry{}, fmt.Errorf("telemetry on %s: %w", d.opts.Path, ErrDisconnected)
		}
		return Telemetry{}, fmt.Errorf("read exposure on %s: %w", d.opts.Path, err)
	}

	// V4L2 exposure is in 100µs units; EV assumes f/2.0 at ISO 100.
	seconds := math.Max(float64(exposure.Value), 1) * 100e-6
	ev := math.Log2(4 / seconds)
	tel := Telemetry{
		ExposureValue: ev,
		LightLevel:    2.5 * math.Pow(2, ev),
		Focus:         FocusUnknown,
	}
	if status, err := dev.GetControl(ctrlAutoFocusStatus); err == nil {
		switch {
		case status.Value&autoFocusStatusBusy != 0:
			tel.Focus = FocusSearching
		case status.Value&autoFocusStatusFailed != 0:
			tel.Focus = FocusFailed
		case status.Value&autoFocusStatusReached != 0:
			tel.Focus = FocusLocked
		}
	}
	return tel, nil
}

func (d *V4L2Device) Refocus() error {
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("refocus on %s: device not open", d.opts.Path)
	}
	if err := dev.SetControlValue(ctrlAutoFocusStart, 1); err != nil {
		return fmt.Errorf("refocus on %s: %w (%v)", d.opts.Path, ErrUnsupported, err)
	}
	return nil
}

func (d *V4L2Device) HasTorch() bool { return d.opts.Torch != nil }

func (d *V4L2Device) SetTorch(on bool) error {
	if d.opts.Torch == nil {
		return ErrUnsupported
	}
	return d.opts.Torch.Set(on)
}

// V4L2Catalog resolves camera slots to V4L2 device nodes. It owns one
// device handle per slot and re-checks presence on every lookup.
type V4L2Catalog struct {
	mu      sync.Mutex
	opts    map[Type]V4L2Options
	devices map[Type]*V4L2Device
}

// NewV4L2Catalog builds a catalog from per-slot options. Slots with an
// empty path are reported as not found.
func NewV4L2Catalog(opts map[Type]V4L2Options) *V4L2Catalog {
	return &V4L2Catalog{opts: opts, devices: make(map[Type]*V4L2Device)}
}

func (c *V4L2Catalog) Lookup(t Type) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.opts[t]
	if !ok || o.Path == "" {
		return nil, fmt.Errorf("%s camera: %w", t, ErrNotFound)
	}
	if err := probePath(o.Path); err != nil {
		return nil, fmt.Errorf("%s camera: %w", t, err)
	}
	d, ok := c.devices[t]
	if !ok {
		d = NewV4L2Device(t, o)
		c.devices[t] = d
	}
	return d, nil
}

// probePath checks that the device node exists and that we may open it.
func probePath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		case errors.Is(err, fs.ErrPermission):
			return fmt.Errorf("%s: %w", path, ErrPermissionDenied)
		default:
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Close()
}
