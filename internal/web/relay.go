package web

import (
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/events"
)

// LatestCapture keeps the last image handed to the web adapter so that
// GET /capture/latest can serve it.
type LatestCapture struct {
	mu  sync.RWMutex
	img *events.CapturedImage
}

func (l *LatestCapture) Store(img events.CapturedImage) {
	l.mu.Lock()
	l.img = &img
	l.mu.Unlock()
}

// Load returns the last stored image, if any.
func (l *LatestCapture) Load() (events.CapturedImage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.img == nil {
		return events.CapturedImage{}, false
	}
	return *l.img, true
}

// CaptureInfo is the SSE payload of a successful capture. The image
// itself is fetched from GET /capture/latest.
type CaptureInfo struct {
	Camera      camera.Type        `json:"camera"`
	Orientation camera.Orientation `json:"orientation"`
	Format      string             `json:"format"`
	Bytes       int                `json:"bytes"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	CapturedAt  time.Time          `json:"captured_at"`
}

type availabilityInfo struct {
	Camera    camera.Type `json:"camera"`
	Available bool        `json:"available"`
}

type failureInfo struct {
	Error string `json:"error"`
}

// Relay returns an observer forwarding every session event to the SSE
// clients of b. Captured images are kept in latest.
func Relay(b *EventBroadcaster, latest *LatestCapture) events.Observer {
	publish := func(kind string, payload any) {
		if err := b.Publish(kind, payload); err != nil {
			debug.Error(err)
		}
	}
	return events.Observer{
		CaptureSucceeded: func(img events.CapturedImage) {
			latest.Store(img)
			info := CaptureInfo{
				Camera:      img.Camera,
				Orientation: img.Orientation,
				Format:      img.Format,
				Bytes:       len(img.Data),
				CapturedAt:  img.CapturedAt,
			}
			if img.Image != nil {
				r := img.Image.Bounds()
				info.Width, info.Height = r.Dx(), r.Dy()
			}
			publish(KindCapture, info)
		},
		CaptureFailed: func(err error) {
			publish(KindCaptureFailed, failureInfo{Error: err.Error()})
		},
		AvailabilityChanged: func(t camera.Type, available bool) {
			publish(KindAvailability, availabilityInfo{Camera: t, Available: available})
		},
		Statistics: func(s events.DeviceStatistics) {
			publish(KindStatistics, s)
		},
	}
}
