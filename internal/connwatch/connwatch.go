// Package connwatch tracks the reachability of the completion providers.
//
// A Watcher probes one provider in the background. While the provider is
// down it re-probes on an exponential backoff; once it answers, it falls
// back to a slow polling interval. State changes are logged and reported
// to an optional callback, and the latest status feeds the health
// endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a provider is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first re-probe delay after a failure.
	InitialDelay time.Duration

	// MaxDelay caps the backoff while the provider is down.
	MaxDelay time.Duration

	// PollInterval is the delay between probes while the provider is up.
	PollInterval time.Duration

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 2s doubling to 60s while down, 60s polling
// while up and a 10s probe timeout.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Target describes one watched provider.
type Target struct {
	// Name identifies the provider in logs and status output.
	Name string

	Probe    ProbeFunc
	Schedule Schedule

	// OnChange is called after every up/down transition, including the
	// first probe result. It runs on the watcher goroutine and must not
	// block.
	OnChange func(name string, ready bool)
}

// Status is the last known state of a provider.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single provider until its context ends.
type Watcher struct {
	target Target
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	checked bool
}

// Status returns the last probe outcome. Ready is false until the first
// probe completes.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Done is closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.target.Schedule
	backoff := sched.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		next := sched.PollInterval
		if err != nil {
			next = backoff
			backoff *= 2
			if backoff > sched.MaxDelay {
				backoff = sched.MaxDelay
			}
		} else {
			backoff = sched.InitialDelay
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.target.Schedule.ProbeTimeout)
	defer cancel()
	return w.target.Probe(probeCtx)
}

// record stores the probe outcome and reports transitions.
func (w *Watcher) record(err error) {
	ready := err == nil

	w.mu.Lock()
	changed := !w.checked || w.status.Ready != ready
	w.checked = true
	w.status.Ready = ready
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	if !changed {
		if err != nil {
			w.logger.Debug("provider still unreachable", "provider", w.target.Name, "error", err)
		}
		return
	}
	if ready {
		w.logger.Info("provider reachable", "provider", w.target.Name)
	} else {
		w.logger.Warn("provider unreachable", "provider", w.target.Name, "error", err)
	}
	if w.target.OnChange != nil {
		w.target.OnChange(w.target.Name, ready)
	}
}

// Manager owns the watchers for all configured providers.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing t in the background until ctx is cancelled.
// Panics if t has no name or probe.
func (m *Manager) Watch(ctx context.Context, t Target) *Watcher {
	if t.Name == "" {
		panic("connwatch: Target.Name must not be empty")
	}
	if t.Probe == nil {
		panic("connwatch: Target.Probe must not be nil")
	}
	t.Schedule = t.Schedule.withDefaults()

	w := &Watcher{
		target: t,
		logger: m.logger,
		done:   make(chan struct{}),
		status: Status{Name: t.Name},
	}

	m.mu.Lock()
	m.watchers[t.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Statuses returns every watcher's status ordered by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched provider answered its last probe.
func (m *Manager) Ready() bool {
	for _, s := range m.Statuses() {
		if !s.Ready {
			return false
		}
	}
	return true
}
