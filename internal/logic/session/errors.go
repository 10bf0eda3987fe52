package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable: the requested camera is absent or access was denied.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrSetupFailed: attaching the input or an output failed.
	ErrSetupFailed = errors.New("capture session setup failed")
	// ErrCaptureFailed: the still capture failed at the hardware layer.
	ErrCaptureFailed = errors.New("still capture failed")
	// ErrBusy: a capture or camera switch is already in progress.
	ErrBusy = errors.New("capture session busy")
	// ErrCapabilityUnavailable: the active device lacks torch or autofocus.
	ErrCapabilityUnavailable = errors.New("capability unavailable on active camera")
	// ErrInvalidState: the operation is not accepted in the current state.
	ErrInvalidState = errors.New("operation not valid in current session state")
	// ErrStopped: the session was stopped while the call was in progress.
	ErrStopped = errors.New("capture session stopped")
)

// SetupError reports which stage of the session graph failed to attach.
type SetupError struct {
	Step string // "input", "preview" or "still"
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%v: attach %s: %v", ErrSetupFailed, e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

func (e *SetupError) Is(target error) bool { return target == ErrSetupFailed }

// CaptureError wraps a hardware or decode failure of one capture.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCaptureFailed, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) Is(target error) bool { return target == ErrCaptureFailed }

func invalidState(op string, s State) error {
	return fmt.Errorf("%s: %w (state %s)", op, ErrInvalidState, s)
}
