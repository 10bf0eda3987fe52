package events

import (
	"image"
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/hw/camera"
)

// CapturedImage is the result of one still capture. It is handed to the
// observer exactly once; the session keeps no reference to it.
type CapturedImage struct {
	Camera      camera.Type
	Orientation camera.Orientation
	Image       image.Image
	Data        []byte // raw encoded bytes as produced by the device
	Format      string // format name reported by the decoder, e.g. "jpeg"
	CapturedAt  time.Time
}

// DeviceStatistics is a telemetry snapshot of the active device.
type DeviceStatistics struct {
	camera.Telemetry
	Camera    camera.Type `json:"camera"`
	Timestamp time.Time   `json:"timestamp"`
}

// Observer receives session events. Every handler is optional: a nil
// handler means that kind of event is not observed.
type Observer struct {
	CaptureSucceeded    func(img CapturedImage)
	CaptureFailed       func(err error)
	AvailabilityChanged func(t camera.Type, available bool)
	Statistics          func(s DeviceStatistics)
}

// Notifier delivers events to at most one registered observer.
// Delivery is synchronous on the caller's goroutine and unbuffered:
// with no observer (or no handler for a kind) the event is dropped.
type Notifier struct {
	mu  sync.RWMutex
	obs *Observer
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Register installs obs, replacing any previous observer.
func (n *Notifier) Register(obs Observer) {
	n.mu.Lock()
	n.obs = &obs
	n.mu.Unlock()
}

// Unregister removes the observer; subsequent events are dropped.
func (n *Notifier) Unregister() {
	n.mu.Lock()
	n.obs = nil
	n.mu.Unlock()
}

func (n *Notifier) observer() *Observer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.obs
}

func (n *Notifier) CaptureSucceeded(img CapturedImage) {
	if o := n.observer(); o != nil && o.CaptureSucceeded != nil {
		o.CaptureSucceeded(img)
	}
}

func (n *Notifier) CaptureFailed(err error) {
	if o := n.observer(); o != nil && o.CaptureFailed != nil {
		o.CaptureFailed(err)
	}
}

func (n *Notifier) AvailabilityChanged(t camera.Type, available bool) {
	if o := n.observer(); o != nil && o.AvailabilityChanged != nil {
		o.AvailabilityChanged(t, available)
	}
}

func (n *Notifier) Statistics(s DeviceStatistics) {
	if o := n.observer(); o != nil && o.Statistics != nil {
		o.Statistics(s)
	}
}
