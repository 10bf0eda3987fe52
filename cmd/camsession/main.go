package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/camsession/internal/config"
	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/hw/gpio"
	"github.com/cjeanneret/camsession/internal/logic/events"
	"github.com/cjeanneret/camsession/internal/logic/registry"
	"github.com/cjeanneret/camsession/internal/logic/session"
	"github.com/cjeanneret/camsession/internal/web"
	"github.com/jonboulle/clockwork"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	cameraName := flag.String("camera", "", "camera to start with (front or back); default from config")
	outPath := flag.String("out", "capture.jpg", "one-shot mode: where to write the captured image")
	shotTimeout := flag.Duration("timeout", 10*time.Second, "one-shot mode: how long to wait for the capture result")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	startCamera, err := resolveCamera(cfg.Session.DefaultCamera, *cameraName)
	if err != nil {
		log.Fatalf("invalid -camera: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock hardware", cfg.Defaults.MockHardware)

	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockHardware)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing camera catalog")
	clock := clockwork.NewRealClock()
	catalog, err := buildCatalog(cfg, gpioDriver, clock)
	if err != nil {
		log.Fatalf("init cameras failed: %v", err)
	}
	debug.PrintStruct("Front camera config", cfg.Cameras.Front)
	debug.PrintStruct("Back camera config", cfg.Cameras.Back)

	debug.Step(3, "Initializing session controller")
	reg := registry.New(catalog)
	ctrl, err := session.New(session.Options{Resolver: reg, Clock: clock})
	if err != nil {
		log.Fatalf("init session failed: %v", err)
	}
	debug.Value("Available cameras", reg.Available())
	defer func() {
		if err := ctrl.Stop(); err != nil {
			log.Printf("stopping session failed: %v", err)
		}
	}()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewEventBroadcaster(clock)
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		latest := &web.LatestCapture{}
		ctrl.Notifier().Register(web.Relay(broadcaster, latest))

		staticFS, err := web.StaticFS()
		if err != nil {
			log.Fatalf("web: %v", err)
		}
		handlers := web.NewHandlers(ctrl, ctrl.Preview(), broadcaster, latest, startCamera, staticFS)
		srv := web.NewServer(webAddr, handlers)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	{
		// One-shot: start, capture once, write the image, stop.
		n, err := runOnce(ctx, ctrl, startCamera, *outPath, *shotTimeout)
		if err != nil {
			log.Fatalf("capture failed: %v", err)
		}
		debug.Summary(fmt.Sprintf("%s camera: wrote %d bytes to %s", startCamera, n, *outPath))
	}
}

// buildCatalog selects the camera backend from configuration. A slot
// with a torch_pin gets a GPIO torch on the given driver.
func buildCatalog(cfg *config.Config, g gpio.Driver, clock clockwork.Clock) (camera.Catalog, error) {
	torches := make(map[camera.Type]*camera.GPIOTorch)
	slots := map[camera.Type]config.CameraConfig{
		camera.Front: cfg.Cameras.Front,
		camera.Back:  cfg.Cameras.Back,
	}

	for _, t := range camera.Types() {
		torch, err := torchFor(g, slots[t].TorchPin)
		if err != nil {
			return nil, fmt.Errorf("%s camera: %w", t, err)
		}
		torches[t] = torch
	}

	if cfg.Defaults.MockHardware {
		var devices []*camera.MockDevice
		for _, t := range camera.Types() {
			c := slots[t]
			devices = append(devices, camera.NewMockDevice("mock-"+t.String(), t, camera.MockOptions{
				Width:         c.Width,
				Height:        c.Height,
				FrameInterval: c.FrameInterval(),
				ShotDelay:     50 * time.Millisecond,
				Torch:         torches[t],
				Clock:         clock,
			}))
		}
		return camera.NewMockCatalog(devices...), nil
	}

	opts := make(map[camera.Type]camera.V4L2Options, len(slots))
	for t, c := range slots {
		opts[t] = camera.V4L2Options{
			Path:           c.Device,
			Width:          c.Width,
			Height:         c.Height,
			FPS:            c.FPS,
			CaptureTimeout: c.CaptureTimeout(),
			Torch:          torches[t],
		}
	}
	return camera.NewV4L2Catalog(opts), nil
}

func torchFor(g gpio.Driver, pin int) (*camera.GPIOTorch, error) {
	if pin <= 0 {
		return nil, nil
	}
	return camera.NewGPIOTorch(g, pin)
}

// resolveCamera picks the start camera: the -camera flag when set, the
// configured default otherwise.
func resolveCamera(configured, override string) (camera.Type, error) {
	name := configured
	if override != "" {
		name = override
	}
	return camera.ParseType(name)
}

// runOnce starts the session on t, captures one still and writes its raw
// bytes to out. It returns the number of bytes written.
func runOnce(ctx context.Context, ctrl *session.Controller, t camera.Type, out string, timeout time.Duration) (int, error) {
	type result struct {
		img events.CapturedImage
		err error
	}
	results := make(chan result, 1)
	ctrl.Notifier().Register(events.Observer{
		CaptureSucceeded: func(img events.CapturedImage) { results <- result{img: img} },
		CaptureFailed:    func(err error) { results <- result{err: err} },
		AvailabilityChanged: func(t camera.Type, available bool) {
			debug.Info("%s camera available: %v", t, available)
		},
	})
	defer ctrl.Notifier().Unregister()

	debug.Section("One-shot capture")
	if err := ctrl.Start(ctx, t); err != nil {
		return 0, err
	}
	defer ctrl.Stop()

	if err := ctrl.Capture(); err != nil {
		return 0, err
	}

	var res result
	select {
	case res = <-results:
	case <-time.After(timeout):
		return 0, fmt.Errorf("no capture result after %v", timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if res.err != nil {
		return 0, res.err
	}
	if len(res.img.Data) == 0 {
		return 0, errors.New("capture returned no data")
	}
	if err := os.WriteFile(out, res.img.Data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", out, err)
	}
	return len(res.img.Data), nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
