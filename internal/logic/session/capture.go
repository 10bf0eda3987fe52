package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/events"
)

var errEmptyStill = errors.New("device returned no image data")

type captureRequest struct {
	gen         uint64
	camera      camera.Type
	orientation camera.Orientation
}

// Capture takes one still from the active camera. It returns as soon as
// the request is accepted; the outcome is delivered exactly once through
// the notifier as capture-succeeded or capture-failed. A request made
// while another capture or a camera switch is in flight fails with
// ErrBusy and is not queued.
func (c *Controller) Capture() error {
	c.mu.Lock()
	if c.state == Capturing || c.switching {
		c.mu.Unlock()
		return fmt.Errorf("capture: %w", ErrBusy)
	}
	if c.state != Running || c.graph == nil {
		s := c.state
		c.mu.Unlock()
		return invalidState("capture", s)
	}
	c.setState(Capturing)
	req := captureRequest{gen: c.gen, camera: c.active, orientation: c.orientation}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelCapture = cancel
	c.mu.Unlock()

	debug.Live("Capture: requested on %s camera", req.camera)
	go c.runCapture(ctx, cancel, req)
	return nil
}

func (c *Controller) runCapture(ctx context.Context, cancel context.CancelFunc, req captureRequest) {
	defer cancel()

	c.hw.Lock()
	c.mu.Lock()
	g := c.graph
	ok := c.gen == req.gen && g != nil
	if ok {
		g.shooting = true
	}
	c.mu.Unlock()
	c.hw.Unlock()
	if !ok {
		debug.Verbose("Capture: session stopped before the shot, result discarded")
		return
	}

	raw, err := g.input.Shoot(ctx)

	c.mu.Lock()
	g.shooting = false
	orphaned := g.orphaned
	c.mu.Unlock()
	if orphaned {
		c.release(g)
		debug.Verbose("Capture: session stopped during the shot, result discarded")
		return
	}

	img := events.CapturedImage{
		Camera:      req.camera,
		Orientation: req.orientation,
		CapturedAt:  c.clock.Now(),
	}
	if err == nil {
		img, err = c.decodeStill(img, raw)
	}

	c.mu.Lock()
	if !c.beginDelivery(req.gen) {
		c.mu.Unlock()
		debug.Verbose("Capture: session stopped during the shot, result discarded")
		return
	}
	c.cancelCapture = nil
	c.setState(Running)
	c.mu.Unlock()
	defer c.endDelivery()

	if err != nil {
		cerr := &CaptureError{Err: err}
		debug.Error(cerr)
		c.notify.CaptureFailed(cerr)
		return
	}
	debug.Shot(req.camera.String(), len(img.Data))
	c.notify.CaptureSucceeded(img)
}

// release detaches a graph Stop handed over while it was shooting.
func (c *Controller) release(g *graph) {
	c.hw.Lock()
	err := g.detach()
	c.hw.Unlock()

	c.mu.Lock()
	if c.draining == g.released {
		c.draining = nil
	}
	c.mu.Unlock()
	close(g.released)
	if err != nil {
		debug.Error(err)
	}
}

func (c *Controller) decodeStill(img events.CapturedImage, raw []byte) (events.CapturedImage, error) {
	if len(raw) == 0 {
		return img, errEmptyStill
	}
	decoded, format, err := c.decode(raw)
	if err != nil {
		return img, fmt.Errorf("decode still: %w", err)
	}
	img.Image = decoded
	img.Data = raw
	img.Format = format
	return img, nil
}
