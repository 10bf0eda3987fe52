package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/events"
	"github.com/cjeanneret/camsession/internal/logic/stats"
	"github.com/jonboulle/clockwork"
)

// Resolver maps a camera type to the device currently present.
// *registry.Registry satisfies it.
type Resolver interface {
	Resolve(t camera.Type) (camera.Device, error)
	IsAvailable(t camera.Type) bool
}

// Options configure a Controller.
type Options struct {
	Resolver    Resolver
	Notifier    *events.Notifier // nil = a fresh notifier
	Clock       clockwork.Clock  // nil = real clock
	StatsPeriod time.Duration    // 0 = stats.DefaultPeriod
	Decoder     Decoder          // nil = DecodeStill
}

// Status is a point-in-time view of the session.
type Status struct {
	State          State              `json:"state"`
	Camera         camera.Type        `json:"camera"`
	Attached       bool               `json:"attached"`
	Switching      bool               `json:"switching"`
	TorchSupported bool               `json:"torch_supported"`
	TorchOn        bool               `json:"torch_on"`
	FlashVisible   bool               `json:"flash_visible"`
	Orientation    camera.Orientation `json:"orientation"`
}

// Controller owns the capture session: it attaches one camera at a time,
// serializes still captures against the live preview and runs the
// statistics sampler while the session is running.
//
// Two locks are involved. hw serializes every mutation of the session
// graph and every device call that needs exclusive access (attach,
// detach, torch, refocus). mu is short-lived and guards the state
// machine; it is never held across a device call or an event delivery.
// A still shot runs outside hw: the graph is flagged as shooting and a
// Stop that finds it so leaves the detach to the capture goroutine.
type Controller struct {
	resolver Resolver
	notify   *events.Notifier
	clock    clockwork.Clock
	period   time.Duration
	decode   Decoder
	preview  *PreviewHub

	hw sync.Mutex

	mu            sync.Mutex
	state         State
	gen           uint64 // bumped on every start and stop
	active        camera.Type
	graph         *graph
	sampler       *stats.Sampler
	switching     bool
	lost          bool // loss of the active device already reported
	cancelCapture context.CancelFunc
	stopDone      chan struct{}
	draining      chan struct{} // closed once a graph handed over by Stop is detached
	configuring   bool          // an attach holds hw; it tears its graph down if stopped
	delivering    int           // events past their generation check
	delivered     chan struct{} // closed when delivering drops to zero
	flashVisible  bool
	orientation   camera.Orientation
}

func New(opts Options) (*Controller, error) {
	if opts.Resolver == nil {
		return nil, errors.New("session controller needs a device resolver")
	}
	if opts.StatsPeriod < 0 {
		return nil, fmt.Errorf("statistics period must be positive, got %v", opts.StatsPeriod)
	}
	c := &Controller{
		resolver:     opts.Resolver,
		notify:       opts.Notifier,
		clock:        opts.Clock,
		period:       opts.StatsPeriod,
		decode:       opts.Decoder,
		preview:      NewPreviewHub(),
		flashVisible: true,
	}
	if c.notify == nil {
		c.notify = events.NewNotifier()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.period == 0 {
		c.period = stats.DefaultPeriod
	}
	if c.decode == nil {
		c.decode = DecodeStill
	}
	return c, nil
}

// Notifier returns the notifier events are delivered through.
func (c *Controller) Notifier() *events.Notifier { return c.notify }

// Preview returns the hub preview frames are published to.
func (c *Controller) Preview() *PreviewHub { return c.preview }

// IsAvailable reports whether a camera of type t is currently present.
func (c *Controller) IsAvailable(t camera.Type) bool {
	return c.resolver.IsAvailable(t)
}

// setState requires mu.
func (c *Controller) setState(to State) {
	if c.state != to {
		debug.State(c.state, to)
		c.state = to
	}
}

// Start resolves t, attaches it and starts the statistics sampler. It is
// only valid from Idle. On failure the session is back to Idle with
// nothing attached.
func (c *Controller) Start(ctx context.Context, t camera.Type) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case Idle:
	case Starting, Stopping:
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("start: %w (state %s)", ErrBusy, s)
	default:
		s := c.state
		c.mu.Unlock()
		return invalidState("start", s)
	}
	c.setState(Starting)
	c.gen++
	gen := c.gen
	drain := c.draining
	c.mu.Unlock()

	debug.Info("Session: starting %s camera", t)
	dev, err := c.resolver.Resolve(t)
	c.notify.AvailabilityChanged(t, err == nil)
	if err != nil {
		c.abortStart(gen)
		return fmt.Errorf("start %s camera: %w: %w", t, ErrDeviceUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		c.abortStart(gen)
		return err
	}
	if drain != nil {
		debug.Verbose("Session: waiting for the previous camera to be released")
		select {
		case <-drain:
		case <-ctx.Done():
			c.abortStart(gen)
			return ctx.Err()
		}
	}

	c.hw.Lock()
	if !c.beginConfigure(gen) {
		c.hw.Unlock()
		return fmt.Errorf("start %s camera: %w", t, ErrStopped)
	}
	g, err := attach(dev, c.preview)
	if err != nil {
		c.endConfigure()
		c.hw.Unlock()
		c.abortStart(gen)
		debug.Error(err)
		if unavailable(err) {
			c.notify.AvailabilityChanged(t, false)
			return fmt.Errorf("start %s camera: %w: %w", t, ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("start %s camera: %w", t, err)
	}

	c.mu.Lock()
	c.configuring = false
	if c.gen != gen {
		c.mu.Unlock()
		if derr := g.detach(); derr != nil {
			debug.Error(derr)
		}
		c.hw.Unlock()
		return fmt.Errorf("start %s camera: %w", t, ErrStopped)
	}
	c.graph = g
	sampler, err := c.newSampler(gen)
	if err != nil {
		c.graph = nil
		c.setState(Idle)
		c.mu.Unlock()
		if derr := g.detach(); derr != nil {
			debug.Error(derr)
		}
		c.hw.Unlock()
		return fmt.Errorf("start %s camera: %w", t, err)
	}
	c.active = t
	c.lost = false
	c.sampler = sampler
	c.setState(Running)
	sampler.Start()
	c.mu.Unlock()
	c.hw.Unlock()

	debug.Info("Session: running on %s camera (%s)", t, dev.ID())
	return nil
}

func (c *Controller) abortStart(gen uint64) {
	c.mu.Lock()
	if c.gen == gen && c.state == Starting {
		c.setState(Idle)
	}
	c.mu.Unlock()
}

// beginConfigure marks a graph attach by the hw holder, unless gen is
// stale. While configuring, Stop leaves teardown to that holder.
func (c *Controller) beginConfigure(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.configuring = true
	return true
}

func (c *Controller) endConfigure() {
	c.mu.Lock()
	c.configuring = false
	c.mu.Unlock()
}

// Stop tears the session down from any state. In-flight capture results
// are discarded and no capture or statistics event is delivered once it
// returns. Concurrent
// callers wait for the first one to finish.
//
// Stop does not wait on device I/O. A shot in progress leaves the detach
// to the capture goroutine once the device returns, and the next Start
// waits for it. An attach in progress is torn down by the Start or
// SwitchCamera running it. Events already being delivered are waited for
// up to one sampling period.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return nil
	case Stopping:
		done := c.stopDone
		c.mu.Unlock()
		<-done
		return nil
	}
	debug.Info("Session: stopping (%s)", c.state)
	c.setState(Stopping)
	c.gen++
	if c.cancelCapture != nil {
		c.cancelCapture()
		c.cancelCapture = nil
	}
	sampler := c.sampler
	c.sampler = nil
	done := make(chan struct{})
	c.stopDone = done
	delivered := c.pendingDeliveries()
	c.mu.Unlock()

	c.awaitDeliveries(delivered)
	if sampler != nil {
		sampler.Stop()
	}

	c.mu.Lock()
	configuring := c.configuring
	if configuring {
		c.graph = nil
	}
	c.mu.Unlock()

	var err error
	if configuring {
		debug.Verbose("Session: camera setup in progress, teardown left to it")
	} else {
		err = c.detachForStop()
	}

	c.mu.Lock()
	c.setState(Idle)
	c.switching = false
	c.stopDone = nil
	c.mu.Unlock()
	close(done)

	if err != nil {
		debug.Error(err)
		return fmt.Errorf("stop: %w", err)
	}
	debug.Info("Session: stopped")
	return nil
}

// SwitchCamera replaces the active input with a camera of type t. The
// sampler is paused for the duration of the switch. When t cannot be
// resolved or attached the previous camera stays attached.
func (c *Controller) SwitchCamera(ctx context.Context, t camera.Type) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == Capturing || c.switching {
		c.mu.Unlock()
		return fmt.Errorf("switch camera: %w", ErrBusy)
	}
	if c.state != Running {
		s := c.state
		c.mu.Unlock()
		return invalidState("switch camera", s)
	}
	if c.active == t {
		c.mu.Unlock()
		return nil
	}
	c.switching = true
	gen := c.gen
	from := c.active
	sampler := c.sampler
	c.mu.Unlock()

	debug.Info("Session: switching %s -> %s camera", from, t)
	sampler.Pause()

	dev, err := c.resolver.Resolve(t)
	c.notify.AvailabilityChanged(t, err == nil)
	if err != nil {
		c.endSwitch(gen, sampler)
		return fmt.Errorf("switch to %s camera: %w: %w", t, ErrDeviceUnavailable, err)
	}

	c.hw.Lock()
	c.mu.Lock()
	old := c.graph
	stale := c.gen != gen || old == nil
	if !stale {
		c.configuring = true
	}
	c.mu.Unlock()
	if stale {
		c.hw.Unlock()
		return fmt.Errorf("switch to %s camera: %w", t, ErrStopped)
	}

	g, attachErr := c.rebuild(old, dev)

	c.mu.Lock()
	c.configuring = false
	if c.gen != gen {
		c.mu.Unlock()
		if g != nil {
			if derr := g.detach(); derr != nil {
				debug.Error(derr)
			}
		}
		c.hw.Unlock()
		return fmt.Errorf("switch to %s camera: %w", t, ErrStopped)
	}
	c.graph = g
	if g == nil {
		// Neither camera could be attached: tear down.
		c.gen++
		c.sampler = nil
		c.switching = false
		c.setState(Idle)
		c.mu.Unlock()
		c.hw.Unlock()
		sampler.Stop()
		c.reportUnavailable(t, attachErr)
		debug.Error(attachErr)
		return fmt.Errorf("switch to %s camera: %w", t, attachErr)
	}
	if attachErr == nil {
		c.active = t
		c.lost = false
	}
	c.mu.Unlock()
	c.hw.Unlock()
	c.endSwitch(gen, sampler)

	if attachErr != nil {
		debug.Error(attachErr)
		if c.reportUnavailable(t, attachErr) {
			return fmt.Errorf("switch to %s camera: %w: %w", t, ErrDeviceUnavailable, attachErr)
		}
		return fmt.Errorf("switch to %s camera: %w", t, attachErr)
	}
	debug.Info("Session: running on %s camera (%s)", t, dev.ID())
	return nil
}

// detachForStop detaches the current graph under hw, or hands it to the
// capture goroutine when a shot is running on it.
func (c *Controller) detachForStop() error {
	c.hw.Lock()
	defer c.hw.Unlock()
	c.mu.Lock()
	g := c.graph
	c.graph = nil
	handoff := g != nil && g.shooting
	if handoff {
		g.orphaned = true
		g.released = make(chan struct{})
		c.draining = g.released
	}
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	if handoff {
		debug.Verbose("Session: %s still shooting, detach deferred", g.input.ID())
		return nil
	}
	return g.detach()
}

// rebuild swaps old's input for dev. If dev fails to attach the previous
// input is attached again; g is nil only when that fails too. Requires hw.
func (c *Controller) rebuild(old *graph, dev camera.Device) (g *graph, err error) {
	prev := old.input
	if derr := old.detach(); derr != nil {
		debug.Error(derr)
	}
	g, err = attach(dev, c.preview)
	if err == nil {
		return g, nil
	}
	debug.Verbose("Session: %s failed to attach, restoring %s", dev.ID(), prev.ID())
	restored, rerr := attach(prev, c.preview)
	if rerr != nil {
		return nil, errors.Join(err, fmt.Errorf("restore %s: %w", prev.ID(), rerr))
	}
	return restored, err
}

// reportUnavailable emits availability-changed(t, false) when err means
// the device went away.
func (c *Controller) reportUnavailable(t camera.Type, err error) bool {
	if !unavailable(err) {
		return false
	}
	c.notify.AvailabilityChanged(t, false)
	return true
}

func (c *Controller) endSwitch(gen uint64, sampler *stats.Sampler) {
	c.mu.Lock()
	resume := c.gen == gen && c.switching
	if resume {
		c.switching = false
	}
	c.mu.Unlock()
	if resume {
		sampler.Resume()
	}
}

// SetTorch switches the torch of the active camera.
func (c *Controller) SetTorch(on bool) error {
	g, gen, err := c.liveGraph("torch")
	if err != nil {
		return err
	}
	tr, ok := g.input.(camera.Torch)
	if !ok || !tr.HasTorch() {
		return fmt.Errorf("torch on %s: %w", g.input.ID(), ErrCapabilityUnavailable)
	}

	c.hw.Lock()
	defer c.hw.Unlock()
	if err := c.stillAttached(g, gen); err != nil {
		return fmt.Errorf("torch: %w", err)
	}
	if err := tr.SetTorch(on); err != nil {
		if errors.Is(err, camera.ErrUnsupported) {
			return fmt.Errorf("torch on %s: %w", g.input.ID(), ErrCapabilityUnavailable)
		}
		return fmt.Errorf("torch on %s: %w", g.input.ID(), err)
	}
	c.mu.Lock()
	g.torchOn = on
	c.mu.Unlock()
	debug.Live("Session: torch %v on %s", on, g.input.ID())
	return nil
}

// Refocus starts an autofocus run on the active camera. It returns once
// the request is accepted; progress shows in the statistics focus state.
func (c *Controller) Refocus() error {
	g, gen, err := c.liveGraph("refocus")
	if err != nil {
		return err
	}
	f, ok := g.input.(camera.Focuser)
	if !ok {
		return fmt.Errorf("refocus %s: %w", g.input.ID(), ErrCapabilityUnavailable)
	}

	c.hw.Lock()
	defer c.hw.Unlock()
	if err := c.stillAttached(g, gen); err != nil {
		return fmt.Errorf("refocus: %w", err)
	}
	if err := f.Refocus(); err != nil {
		if errors.Is(err, camera.ErrUnsupported) {
			return fmt.Errorf("refocus %s: %w", g.input.ID(), ErrCapabilityUnavailable)
		}
		return fmt.Errorf("refocus %s: %w", g.input.ID(), err)
	}
	debug.Live("Session: refocus requested on %s", g.input.ID())
	return nil
}

// liveGraph returns the attached graph when the session accepts device
// commands (Running, no capture or switch in flight).
func (c *Controller) liveGraph(op string) (*graph, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Capturing || c.switching {
		return nil, 0, fmt.Errorf("%s: %w", op, ErrBusy)
	}
	if c.state != Running || c.graph == nil {
		return nil, 0, invalidState(op, c.state)
	}
	return c.graph, c.gen, nil
}

// stillAttached checks, under hw, that g was not replaced meanwhile.
func (c *Controller) stillAttached(g *graph, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.graph != g {
		return ErrStopped
	}
	return nil
}

// SetFlashVisible records whether the flash control is shown. It has no
// effect on the session.
func (c *Controller) SetFlashVisible(visible bool) {
	c.mu.Lock()
	c.flashVisible = visible
	c.mu.Unlock()
}

// SetOrientation records the active device orientation. It is stamped on
// every captured image taken afterwards.
func (c *Controller) SetOrientation(o camera.Orientation) {
	c.mu.Lock()
	c.orientation = o
	c.mu.Unlock()
	debug.Verbose("Session: orientation %s", o)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:        c.state,
		Camera:       c.active,
		Switching:    c.switching,
		FlashVisible: c.flashVisible,
		Orientation:  c.orientation,
	}
	if c.graph != nil && c.state.live() {
		st.Attached = true
		st.TorchOn = c.graph.torchOn
		if tr, ok := c.graph.input.(camera.Torch); ok {
			st.TorchSupported = tr.HasTorch()
		}
	}
	return st
}

// ---------- Statistics ----------

func (c *Controller) newSampler(gen uint64) (*stats.Sampler, error) {
	return stats.New(stats.Options{
		Period: c.period,
		Clock:  c.clock,
		Source: func() (events.DeviceStatistics, error) { return c.sample(gen) },
		Sink:   func(s events.DeviceStatistics) { c.deliverStatistics(gen, s) },
		Fault:  func(err error) { c.sampleFault(gen, err) },
	})
}

type sampleError struct {
	camera camera.Type
	err    error
}

func (e *sampleError) Error() string { return fmt.Sprintf("%s camera telemetry: %v", e.camera, e.err) }
func (e *sampleError) Unwrap() error { return e.err }

func (c *Controller) sample(gen uint64) (events.DeviceStatistics, error) {
	c.mu.Lock()
	if c.gen != gen || !c.state.live() || c.switching || c.graph == nil {
		c.mu.Unlock()
		return events.DeviceStatistics{}, stats.ErrSkip
	}
	dev := c.graph.input
	t := c.active
	c.mu.Unlock()

	tel, err := dev.Telemetry()
	if err != nil {
		return events.DeviceStatistics{}, &sampleError{camera: t, err: err}
	}
	return events.DeviceStatistics{Telemetry: tel, Camera: t, Timestamp: c.clock.Now()}, nil
}

func (c *Controller) deliverStatistics(gen uint64, s events.DeviceStatistics) {
	c.mu.Lock()
	ok := c.state.live() && !c.switching && c.beginDelivery(gen)
	c.mu.Unlock()
	if !ok {
		return
	}
	defer c.endDelivery()
	debug.Tick(s.Camera.String(), s.ExposureValue, s.LightLevel, s.Focus.String())
	c.notify.Statistics(s)
}

// ---------- Delivery ----------

// beginDelivery admits one event of generation gen. It requires mu; a
// true result must be paired with endDelivery.
func (c *Controller) beginDelivery(gen uint64) bool {
	if c.gen != gen {
		return false
	}
	c.delivering++
	return true
}

func (c *Controller) endDelivery() {
	c.mu.Lock()
	c.delivering--
	if c.delivering == 0 && c.delivered != nil {
		close(c.delivered)
		c.delivered = nil
	}
	c.mu.Unlock()
}

// pendingDeliveries returns a channel closed once every admitted event
// is delivered, or nil when none is in flight. Requires mu.
func (c *Controller) pendingDeliveries() <-chan struct{} {
	if c.delivering == 0 {
		return nil
	}
	if c.delivered == nil {
		c.delivered = make(chan struct{})
	}
	return c.delivered
}

// awaitDeliveries waits for delivered to close, at most one sampling
// period. A Stop issued from an observer callback spends that period
// waiting on its own delivery.
func (c *Controller) awaitDeliveries(delivered <-chan struct{}) {
	if delivered == nil {
		return
	}
	timer := time.NewTimer(c.period)
	defer timer.Stop()
	select {
	case <-delivered:
	case <-timer.C:
		debug.Verbose("Session: event delivery still running after %v", c.period)
	}
}

func (c *Controller) sampleFault(gen uint64, err error) {
	var se *sampleError
	if !errors.As(err, &se) || !errors.Is(err, camera.ErrDisconnected) {
		debug.Verbose("Sampler: %v", err)
		return
	}
	c.mu.Lock()
	report := c.gen == gen && !c.lost
	if report {
		c.lost = true
	}
	c.mu.Unlock()
	if report {
		debug.Info("Session: %s camera disconnected", se.camera)
		c.notify.AvailabilityChanged(se.camera, false)
	}
}
