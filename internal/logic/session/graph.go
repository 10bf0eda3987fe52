package session

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
)

// graph is one fully configured capture session: the device input, the
// preview output pumping into the hub and the still output. It only
// exists fully attached; attach rolls back everything on failure.
//
// All methods require the controller's hardware lock.
type graph struct {
	input       camera.Device
	previewDone chan struct{}
	torchOn     bool // also guarded by the controller's state mutex

	// Guarded by the controller's state mutex. While shooting, Stop hands
	// the graph over (orphaned) and the capture goroutine detaches it
	// once Shoot returns, closing released.
	shooting bool
	orphaned bool
	released chan struct{}
}

func attach(dev camera.Device, hub *PreviewHub) (*graph, error) {
	debug.Section(fmt.Sprintf("ATTACH %s (%s camera)", dev.ID(), dev.Type()))

	debug.Step(1, "open input")
	if err := dev.Open(); err != nil {
		return nil, &SetupError{Step: "input", Err: err}
	}

	debug.Step(2, "start preview output")
	frames, err := dev.StartPreview()
	if err != nil {
		closeInput(dev)
		return nil, &SetupError{Step: "preview", Err: err}
	}
	done := make(chan struct{})
	go pump(frames, hub, done)

	debug.Step(3, "configure still output")
	if err := dev.ConfigureStill(); err != nil {
		if serr := dev.StopPreview(); serr != nil {
			debug.Error(fmt.Errorf("rollback preview on %s: %w", dev.ID(), serr))
		}
		<-done
		closeInput(dev)
		return nil, &SetupError{Step: "still", Err: err}
	}

	debug.Verbose("Session: %s attached", dev.ID())
	return &graph{input: dev, previewDone: done}, nil
}

// detach tears the graph down in reverse order. Every step runs even if
// an earlier one fails.
func (g *graph) detach() error {
	dev := g.input
	debug.Verbose("Session: detaching %s", dev.ID())

	var errs []error
	if g.torchOn {
		if tr, ok := dev.(camera.Torch); ok {
			if err := tr.SetTorch(false); err != nil {
				errs = append(errs, fmt.Errorf("torch off: %w", err))
			}
		}
		g.torchOn = false
	}
	if err := dev.StopPreview(); err != nil {
		errs = append(errs, fmt.Errorf("stop preview: %w", err))
	}
	<-g.previewDone
	if err := dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close input: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("detach %s: %w", dev.ID(), errors.Join(errs...))
	}
	return nil
}

func closeInput(dev camera.Device) {
	if err := dev.Close(); err != nil {
		debug.Error(fmt.Errorf("rollback input %s: %w", dev.ID(), err))
	}
}

// pump forwards preview frames until the device closes the channel.
func pump(frames <-chan []byte, hub *PreviewHub, done chan<- struct{}) {
	defer close(done)
	n := 0
	trace := debug.IsEnabled(debug.LevelTrace)
	for frame := range frames {
		hub.publish(frame)
		n++
		if trace {
			debug.Trace("Preview: frame %d (%d bytes)", n, len(frame))
		}
	}
	hub.reset()
}

// unavailable reports whether an attach failure means the device went away.
func unavailable(err error) bool {
	return errors.Is(err, camera.ErrNotFound) ||
		errors.Is(err, camera.ErrDisconnected) ||
		errors.Is(err, camera.ErrPermissionDenied)
}
