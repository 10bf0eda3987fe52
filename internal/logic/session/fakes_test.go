package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/events"
	"github.com/cjeanneret/camsession/internal/logic/stats"
	"github.com/jonboulle/clockwork"
)

const waitTimeout = time.Second

// ---------- fakeDevice ----------

// fakeDevice records every call and lets tests inject failures and block
// Open or Shoot until released.
type fakeDevice struct {
	id  string
	typ camera.Type

	mu         sync.Mutex
	openErr    error
	previewErr error
	stillErr   error
	shootErr   error
	telErr     error
	still      []byte

	openGate    chan struct{} // non-nil: Open blocks until closed
	openStarted chan struct{}
	shootGate   chan struct{} // non-nil: Shoot blocks until closed or ctx done
	shootStart  chan struct{}
	deaf        bool // Shoot ignores ctx and only returns once shootGate closes

	open     bool
	frames   chan []byte
	opens    int
	closes   int
	shots    int
	telReads int
	tel      camera.Telemetry
}

func newFakeDevice(t *testing.T, typ camera.Type) *fakeDevice {
	return &fakeDevice{
		id:          typ.String() + "-fake",
		typ:         typ,
		still:       jpegBytes(t),
		openStarted: make(chan struct{}, 8),
		shootStart:  make(chan struct{}, 8),
		tel:         camera.Telemetry{ExposureValue: 7, LightLevel: 320, Focus: camera.FocusLocked},
	}
}

func (d *fakeDevice) ID() string        { return d.id }
func (d *fakeDevice) Type() camera.Type { return d.typ }

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	gate := d.openGate
	d.mu.Unlock()
	d.openStarted <- struct{}{}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.open = true
	d.opens++
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.closes++
	return nil
}

func (d *fakeDevice) StartPreview() (<-chan []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.previewErr != nil {
		return nil, d.previewErr
	}
	d.frames = make(chan []byte, 4)
	return d.frames, nil
}

func (d *fakeDevice) StopPreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames != nil {
		close(d.frames)
		d.frames = nil
	}
	return nil
}

// emit pushes one preview frame through the attached preview output.
func (d *fakeDevice) emit(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames == nil {
		return false
	}
	d.frames <- frame
	return true
}

func (d *fakeDevice) ConfigureStill() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stillErr
}

func (d *fakeDevice) Shoot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	gate := d.shootGate
	deaf := d.deaf
	d.shots++
	d.mu.Unlock()
	d.shootStart <- struct{}{}
	if gate != nil && deaf {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shootErr != nil {
		return nil, d.shootErr
	}
	return d.still, nil
}

func (d *fakeDevice) Telemetry() (camera.Telemetry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.telReads++
	if d.telErr != nil {
		return camera.Telemetry{}, d.telErr
	}
	return d.tel, nil
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func (d *fakeDevice) counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

func (d *fakeDevice) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.telReads
}

// torchDevice adds a torch to fakeDevice.
type torchDevice struct {
	*fakeDevice
	history []bool
}

func (d *torchDevice) HasTorch() bool { return true }

func (d *torchDevice) SetTorch(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, on)
	return nil
}

func (d *torchDevice) torchHistory() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.history...)
}

// focusDevice adds autofocus to fakeDevice.
type focusDevice struct {
	*fakeDevice
	refocuses int
}

func (d *focusDevice) Refocus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refocuses++
	return nil
}

// ---------- fakeResolver ----------

type fakeResolver struct {
	mu   sync.Mutex
	devs map[camera.Type]camera.Device
	errs map[camera.Type]error
}

func newFakeResolver(devs ...camera.Device) *fakeResolver {
	r := &fakeResolver{
		devs: make(map[camera.Type]camera.Device),
		errs: make(map[camera.Type]error),
	}
	for _, d := range devs {
		r.devs[d.Type()] = d
	}
	return r
}

func (r *fakeResolver) fail(t camera.Type, err error) {
	r.mu.Lock()
	r.errs[t] = err
	r.mu.Unlock()
}

func (r *fakeResolver) Resolve(t camera.Type) (camera.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[t]; err != nil {
		return nil, err
	}
	d, ok := r.devs[t]
	if !ok {
		return nil, fmt.Errorf("%s camera: %w", t, camera.ErrNotFound)
	}
	return d, nil
}

func (r *fakeResolver) IsAvailable(t camera.Type) bool {
	_, err := r.Resolve(t)
	return err == nil
}

// ---------- recorder ----------

type availability struct {
	camera    camera.Type
	available bool
}

// recorder is an observer buffering every event it receives.
type recorder struct {
	captured chan events.CapturedImage
	failed   chan error
	avail    chan availability
	stats    chan events.DeviceStatistics
}

func newRecorder() *recorder {
	return &recorder{
		captured: make(chan events.CapturedImage, 16),
		failed:   make(chan error, 16),
		avail:    make(chan availability, 16),
		stats:    make(chan events.DeviceStatistics, 16),
	}
}

func (r *recorder) observer() events.Observer {
	return events.Observer{
		CaptureSucceeded:    func(img events.CapturedImage) { r.captured <- img },
		CaptureFailed:       func(err error) { r.failed <- err },
		AvailabilityChanged: func(t camera.Type, ok bool) { r.avail <- availability{t, ok} },
		Statistics:          func(s events.DeviceStatistics) { r.stats <- s },
	}
}

func receive[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func none[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------- fixture ----------

type fixture struct {
	clock clockwork.FakeClock
	res   *fakeResolver
	rec   *recorder
	ctrl  *Controller
}

func newFixture(t *testing.T, devs ...camera.Device) *fixture {
	t.Helper()
	f := &fixture{
		clock: clockwork.NewFakeClock(),
		res:   newFakeResolver(devs...),
		rec:   newRecorder(),
	}
	notifier := events.NewNotifier()
	notifier.Register(f.rec.observer())
	ctrl, err := New(Options{Resolver: f.res, Notifier: notifier, Clock: f.clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Stop() })
	return f
}

// start brings the session to Running on t and drains the availability event.
func (f *fixture) start(t *testing.T, typ camera.Type) {
	t.Helper()
	if err := f.ctrl.Start(context.Background(), typ); err != nil {
		t.Fatalf("Start(%s): %v", typ, err)
	}
	if a := receive(t, f.rec.avail, "availability"); a != (availability{typ, true}) {
		t.Fatalf("availability = %+v, want %s available", a, typ)
	}
}

func (f *fixture) tick() {
	f.clock.Advance(stats.DefaultPeriod)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.White)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}
