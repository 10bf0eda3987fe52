package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/session"
)

const maxBodyBytes = 1 << 20

// Session is the part of the session controller driven over HTTP.
type Session interface {
	Start(ctx context.Context, t camera.Type) error
	Stop() error
	SwitchCamera(ctx context.Context, t camera.Type) error
	Capture() error
	SetTorch(on bool) error
	Refocus() error
	SetFlashVisible(visible bool)
	SetOrientation(o camera.Orientation)
	Status() session.Status
	IsAvailable(t camera.Type) bool
}

// FrameSource publishes preview frames.
type FrameSource interface {
	Subscribe() (<-chan []byte, func())
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Session       Session
	Frames        FrameSource
	Broadcaster   *EventBroadcaster
	Latest        *LatestCapture
	DefaultCamera camera.Type
	staticFS      fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If frames is nil, GET /preview returns 503 Service Unavailable.
func NewHandlers(s Session, frames FrameSource, broadcaster *EventBroadcaster, latest *LatestCapture, defaultCamera camera.Type, staticFS fs.FS) *Handlers {
	if latest == nil {
		latest = &LatestCapture{}
	}
	return &Handlers{
		Session:       s,
		Frames:        frames,
		Broadcaster:   broadcaster,
		Latest:        latest,
		DefaultCamera: defaultCamera,
		staticFS:      staticFS,
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	session.Status
	Available map[string]bool `json:"available"`
}

type cameraRequest struct {
	Camera *camera.Type `json:"camera"`
}

type torchRequest struct {
	Enabled bool `json:"enabled"`
}

type flashRequest struct {
	Visible bool `json:"visible"`
}

type orientationRequest struct {
	Orientation camera.Orientation `json:"orientation"`
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStart handles POST /session/start. The body is optional:
// {"camera":"front"}; the configured default camera is used otherwise.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t := h.DefaultCamera
	if req.Camera != nil {
		t = *req.Camera
	}
	if err := h.Session.Start(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	h.writeStatus(w, http.StatusOK)
}

// HandleStop handles POST /session/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Stop(); err != nil {
		// The session is idle anyway; report the teardown problem.
		debug.Error(err)
		h.Broadcaster.Broadcast("error", "Stop: "+err.Error())
	}
	h.writeStatus(w, http.StatusOK)
}

// HandleSwitch handles POST /session/switch with {"camera":"front"}.
func (h *Handlers) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Camera == nil {
		http.Error(w, "camera is required", http.StatusBadRequest)
		return
	}
	if err := h.Session.SwitchCamera(r.Context(), *req.Camera); err != nil {
		writeError(w, err)
		return
	}
	h.writeStatus(w, http.StatusOK)
}

// HandleCapture handles POST /capture. The result arrives on the event
// stream.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Capture(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "capturing"})
}

// HandleTorch handles POST /torch with {"enabled":true}.
func (h *Handlers) HandleTorch(w http.ResponseWriter, r *http.Request) {
	var req torchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Session.SetTorch(req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	h.writeStatus(w, http.StatusOK)
}

// HandleRefocus handles POST /refocus.
func (h *Handlers) HandleRefocus(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Refocus(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "focusing"})
}

// HandleFlash handles POST /flash with {"visible":false}.
func (h *Handlers) HandleFlash(w http.ResponseWriter, r *http.Request) {
	var req flashRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.Session.SetFlashVisible(req.Visible)
	h.writeStatus(w, http.StatusOK)
}

// HandleOrientation handles POST /orientation with {"orientation":"landscape_left"}.
func (h *Handlers) HandleOrientation(w http.ResponseWriter, r *http.Request) {
	var req orientationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.Session.SetOrientation(req.Orientation)
	h.writeStatus(w, http.StatusOK)
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, http.StatusOK)
}

func (h *Handlers) writeStatus(w http.ResponseWriter, code int) {
	resp := StatusResponse{Status: h.Session.Status(), Available: make(map[string]bool)}
	for _, t := range camera.Types() {
		resp.Available[t.String()] = h.Session.IsAvailable(t)
	}
	writeJSON(w, code, resp)
}

// HandleLatestCapture handles GET /capture/latest and serves the raw
// bytes of the last captured image.
func (h *Handlers) HandleLatestCapture(w http.ResponseWriter, r *http.Request) {
	img, ok := h.Latest.Load()
	if !ok {
		http.Error(w, "no capture yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType(img.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("X-Camera", img.Camera.String())
	w.Header().Set("X-Orientation", img.Orientation.String())
	w.Header().Set("Last-Modified", img.CapturedAt.UTC().Format(http.TimeFormat))
	w.Write(img.Data)
}

// HandlePreview handles GET /preview as a multipart MJPEG stream.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if h.Frames == nil {
		http.Error(w, "preview not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	frames, unsub := h.Frames.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := writeFrame(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// HandleEventStream handles GET /events/stream for SSE.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// decodeBody decodes an optional JSON body into v. It writes a 400 and
// returns false on malformed or oversized input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		http.Error(w, "request body too large", http.StatusBadRequest)
		return false
	}
	http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
	return false
}

// statusCode maps session errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, session.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrCapabilityUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		debug.Error(err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func contentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
