package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/jonboulle/clockwork"
)

// MockOptions configure a MockDevice.
type MockOptions struct {
	Width, Height int
	FrameInterval time.Duration // preview cadence; 0 = 100ms
	ShotDelay     time.Duration // simulated sensor readout for one still
	Torch         *GPIOTorch    // nil = no torch
	Clock         clockwork.Clock
}

// MockDevice is a synthetic camera used for development and tests.
// Frames are JPEG-encoded test patterns; telemetry drifts over time and
// a refocus runs a short focus sweep.
type MockDevice struct {
	id    string
	typ   Type
	opts  MockOptions
	clock clockwork.Clock

	mu           sync.Mutex
	open         bool
	disconnected bool
	stillReady   bool
	previewStop  chan struct{}
	previewDone  chan struct{}
	reads        int
	sweep        int // remaining searching reads after a refocus
	frame        []byte
}

// NewMockDevice creates a synthetic camera for the given slot.
func NewMockDevice(id string, t Type, opts MockOptions) *MockDevice {
	if opts.Width <= 0 {
		opts.Width = 320
	}
	if opts.Height <= 0 {
		opts.Height = 240
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 100 * time.Millisecond
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MockDevice{id: id, typ: t, opts: opts, clock: clock}
}

func (m *MockDevice) ID() string { return m.id }
func (m *MockDevice) Type() Type { return m.typ }

// SetConnected simulates plugging or unplugging the device.
func (m *MockDevice) SetConnected(connected bool) {
	m.mu.Lock()
	m.disconnected = !connected
	m.mu.Unlock()
}

func (m *MockDevice) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return fmt.Errorf("open %s: %w", m.id, ErrDisconnected)
	}
	if m.open {
		return nil
	}
	m.open = true
	debug.Verbose("MockCamera %s: opened", m.id)
	return nil
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	m.open = false
	m.stillReady = false
	m.mu.Unlock()
	debug.Verbose("MockCamera %s: closed", m.id)
	return nil
}

func (m *MockDevice) StartPreview() (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, fmt.Errorf("start preview on %s: device not open", m.id)
	}
	if m.previewStop != nil {
		return nil, fmt.Errorf("start preview on %s: already streaming", m.id)
	}
	if m.frame == nil {
		frame, err := encodePattern(m.opts.Width/2, m.opts.Height/2, m.typ)
		if err != nil {
			return nil, err
		}
		m.frame = frame
	}

	frames := make(chan []byte, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	m.previewStop, m.previewDone = stop, done
	go m.previewLoop(m.frame, frames, stop, done)
	return frames, nil
}

func (m *MockDevice) previewLoop(frame []byte, frames chan<- []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(frames)
	ticker := m.clock.NewTicker(m.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			select {
			case frames <- frame:
			default:
				// reader is behind, drop the frame
			}
		}
	}
}

func (m *MockDevice) StopPreview() error {
	m.mu.Lock()
	stop, done := m.previewStop, m.previewDone
	m.previewStop, m.previewDone = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (m *MockDevice) ConfigureStill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("configure still on %s: device not open", m.id)
	}
	m.stillReady = true
	return nil
}

func (m *MockDevice) Shoot(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	ready, gone := m.stillReady, m.disconnected
	m.mu.Unlock()
	if gone {
		return nil, fmt.Errorf("shoot on %s: %w", m.id, ErrDisconnected)
	}
	if !ready {
		return nil, fmt.Errorf("shoot on %s: still output not configured", m.id)
	}

	if m.opts.ShotDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("shoot on %s: %w", m.id, ctx.Err())
		case <-m.clock.After(m.opts.ShotDelay):
		}
	}
	return encodePattern(m.opts.Width, m.opts.Height, m.typ)
}

func (m *MockDevice) Telemetry() (Telemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return Telemetry{}, fmt.Errorf("telemetry on %s: %w", m.id, ErrDisconnected)
	}
	m.reads++
	focus := FocusLocked
	if m.sweep > 0 {
		m.sweep--
		focus = FocusSearching
	}
	phase := float64(m.reads) / 16
	light := 120 + 40*math.Sin(phase)
	return Telemetry{
		ExposureValue: math.Log2(light / 2.5),
		Focus:         focus,
		LightLevel:    light,
	}, nil
}

// Refocus starts a focus sweep that lasts a few telemetry reads.
func (m *MockDevice) Refocus() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("refocus on %s: device not open", m.id)
	}
	m.sweep = 4
	return nil
}

func (m *MockDevice) HasTorch() bool { return m.opts.Torch != nil }

func (m *MockDevice) SetTorch(on bool) error {
	if m.opts.Torch == nil {
		return ErrUnsupported
	}
	return m.opts.Torch.Set(on)
}

// encodePattern renders a gradient tinted by camera slot and encodes it as JPEG.
func encodePattern(w, h int, t Type) ([]byte, error) {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
			if t == Front {
				c.B = 200
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode test pattern: %w", err)
	}
	return buf.Bytes(), nil
}

// MockCatalog is an in-memory device catalog whose availability can be
// flipped at runtime.
type MockCatalog struct {
	mu      sync.Mutex
	devices map[Type]*MockDevice
	denied  map[Type]bool
}

// NewMockCatalog registers the given devices, all available.
func NewMockCatalog(devices ...*MockDevice) *MockCatalog {
	c := &MockCatalog{
		devices: make(map[Type]*MockDevice),
		denied:  make(map[Type]bool),
	}
	for _, d := range devices {
		c.devices[d.Type()] = d
	}
	return c
}

// SetAvailable plugs or unplugs the device registered for t.
func (c *MockCatalog) SetAvailable(t Type, available bool) {
	c.mu.Lock()
	d := c.devices[t]
	c.mu.Unlock()
	if d != nil {
		d.SetConnected(available)
	}
}

// SetPermission grants or revokes access to the device for t.
func (c *MockCatalog) SetPermission(t Type, granted bool) {
	c.mu.Lock()
	c.denied[t] = !granted
	c.mu.Unlock()
}

func (c *MockCatalog) Lookup(t Type) (Device, error) {
	c.mu.Lock()
	d, ok := c.devices[t]
	denied := c.denied[t]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s camera: %w", t, ErrNotFound)
	}
	if denied {
		return nil, fmt.Errorf("%s camera: %w", t, ErrPermissionDenied)
	}
	d.mu.Lock()
	gone := d.disconnected
	d.mu.Unlock()
	if gone {
		return nil, fmt.Errorf("%s camera: %w", t, ErrNotFound)
	}
	return d, nil
}
