package stats

import (
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/logic/events"
	"github.com/jonboulle/clockwork"
)

// DefaultPeriod is the statistics cadence of a running session.
const DefaultPeriod = 125 * time.Millisecond

// ErrSkip makes the loop drop the current tick silently.
var ErrSkip = errors.New("skip tick")

// Source reads one snapshot. Returning ErrSkip drops the tick (no device
// attached, session not running); any other error drops it and is passed
// to Options.Fault.
type Source func() (events.DeviceStatistics, error)

// Sink receives each snapshot in sampling order.
type Sink func(events.DeviceStatistics)

// Options configure a Sampler.
type Options struct {
	Period time.Duration // 0 = DefaultPeriod
	Clock  clockwork.Clock
	Source Source
	Sink   Sink
	Fault  func(error) // optional, called outside the read section
}

// Sampler runs a fixed-period loop reading telemetry from Source and
// emitting it to Sink. Ticks missed while the loop is busy or paused are
// dropped, never replayed.
//
// Pause and Stop return once no Source read is in flight and the loop
// is guaranteed not to start another one, so the caller may detach the
// device right after. They may be called from inside Sink or Fault.
type Sampler struct {
	period time.Duration
	clock  clockwork.Clock
	source Source
	sink   Sink
	fault  func(error)

	mu      sync.Mutex
	stopped bool
	cur     *run
}

type run struct {
	stop chan struct{}
	done chan struct{}

	readMu     sync.Mutex // held while Source runs
	delivering bool       // in Sink or Fault; guarded by readMu
}

func New(opts Options) (*Sampler, error) {
	if opts.Period < 0 {
		return nil, errors.New("sampling period must be positive")
	}
	if opts.Source == nil || opts.Sink == nil {
		return nil, errors.New("sampler needs both a source and a sink")
	}
	period := opts.Period
	if period == 0 {
		period = DefaultPeriod
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sampler{
		period: period,
		clock:  clock,
		source: opts.Source,
		sink:   opts.Sink,
		fault:  opts.Fault,
	}, nil
}

// Period returns the sampling period.
func (s *Sampler) Period() time.Duration {
	return s.period
}

// Start begins ticking. It is a no-op when already running or stopped.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cur != nil {
		return
	}
	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	s.cur = r
	ticker := s.clock.NewTicker(s.period)
	go s.loop(r, ticker)
	debug.Verbose("Sampler: started (period %v)", s.period)
}

// Resume restarts a paused sampler.
func (s *Sampler) Resume() {
	s.Start()
}

// Pause halts ticking; Resume continues on a fresh schedule.
func (s *Sampler) Pause() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r != nil {
		r.halt()
		debug.Verbose("Sampler: paused")
	}
}

// Stop halts ticking for good. Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.stopped = true
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r != nil {
		r.halt()
		debug.Verbose("Sampler: stopped")
	}
}

// Running reports whether the loop is ticking.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

func (r *run) halt() {
	close(r.stop)
	r.readMu.Lock()
	delivering := r.delivering
	r.readMu.Unlock()
	if !delivering {
		<-r.done
	}
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (s *Sampler) loop(r *run, ticker clockwork.Ticker) {
	defer close(r.done)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.Chan():
		}

		r.readMu.Lock()
		if r.stopped() {
			r.readMu.Unlock()
			return
		}
		snap, err := s.source()
		deliver := err == nil || (!errors.Is(err, ErrSkip) && s.fault != nil)
		r.delivering = deliver
		r.readMu.Unlock()
		if !deliver {
			continue
		}

		if err != nil {
			s.fault(err)
		} else {
			s.sink(snap)
		}

		r.readMu.Lock()
		r.delivering = false
		r.readMu.Unlock()
	}
}
