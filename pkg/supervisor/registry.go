// Package supervisor tracks the helper processes this instance has spawned
// and exposes start/stop/status over them.
//
// At most one RunningHandle exists per process entry id. All lifecycle
// operations on one id are serialized by a per-id lock; operations on
// different ids run concurrently.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"commonroom/pkg/eventlog"
	"commonroom/pkg/metrics"
	"commonroom/pkg/protocol"

	"github.com/rs/zerolog"
)

// DefaultSettleInterval is how long Start waits before its first probe.
// It is a heuristic: slow services may still report Starting afterwards.
const DefaultSettleInterval = 2 * time.Second

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 3 * time.Second

// Outcome tells the caller what a Start or Stop actually did.
type Outcome string

// Lifecycle outcomes.
const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already running"
	OutcomeStopped        Outcome = "stopped"
	OutcomeNotTracked     Outcome = "not tracked"
	OutcomeFailed         Outcome = "failed"
)

// Result is returned by Start and Stop.
type Result struct {
	protocol.ProcessInfo
	Outcome Outcome `json:"outcome"`
}

// handle is the registry's private record of a spawned process.
type handle struct {
	protocol.RunningHandle
	proc *os.Process
	done chan struct{} // closed by the reaper when the process exits
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Registry supervises the processes described by a fixed set of entries.
//
// Thread-safe: the handle table is guarded by mu; lifecycle operations
// additionally hold the per-id lock for their whole duration.
type Registry struct {
	entries map[string]protocol.ProcessEntry
	order   []string

	mu          sync.Mutex
	handles     map[string]*handle
	transitions map[string]protocol.ProcessStatus
	locks       keyedMutex
	wg          sync.WaitGroup

	settle time.Duration
	grace  time.Duration
	logDir string
	log    zerolog.Logger
	events eventlog.Recorder
	now    func() time.Time

	// cmdFactory builds the exec.Cmd for an entry. Tests override it.
	cmdFactory func(entry protocol.ProcessEntry) *exec.Cmd
	// probeFor selects the liveness probe for an entry.
	probeFor func(entry protocol.ProcessEntry) Probe
}

// Option configures a Registry.
type Option func(*Registry)

// WithSettleInterval overrides DefaultSettleInterval.
func WithSettleInterval(d time.Duration) Option {
	return func(r *Registry) { r.settle = d }
}

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

// WithLogDir sends each child's output to <dir>/<id>/output.log.
func WithLogDir(dir string) Option {
	return func(r *Registry) { r.logDir = dir }
}

// WithLogger sets the registry logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithEventLog records lifecycle transitions to rec.
func WithEventLog(rec eventlog.Recorder) Option {
	return func(r *Registry) { r.events = rec }
}

// WithCommandFactory replaces how commands are built from entries.
func WithCommandFactory(f func(entry protocol.ProcessEntry) *exec.Cmd) Option {
	return func(r *Registry) { r.cmdFactory = f }
}

// WithProbeSelector replaces how a liveness probe is chosen for an entry.
func WithProbeSelector(f func(entry protocol.ProcessEntry) Probe) Option {
	return func(r *Registry) { r.probeFor = f }
}

// New creates a Registry over entries. Entry ids must be unique and non-empty.
func New(entries []protocol.ProcessEntry, opts ...Option) (*Registry, error) {
	r := &Registry{
		entries:     make(map[string]protocol.ProcessEntry, len(entries)),
		handles:     make(map[string]*handle),
		transitions: make(map[string]protocol.ProcessStatus),
		settle:      DefaultSettleInterval,
		grace:       DefaultStopGrace,
		log:         zerolog.Nop(),
		events:      eventlog.Nop{},
		now:         time.Now,
		cmdFactory:  defaultCommand,
		probeFor:    ProbeFor,
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("process entry %q: empty id", e.Name)
		}
		if e.Command == "" {
			return nil, fmt.Errorf("process entry %s: empty command", e.ID)
		}
		if _, dup := r.entries[e.ID]; dup {
			return nil, fmt.Errorf("process entry %s: duplicate id", e.ID)
		}
		r.entries[e.ID] = e
		r.order = append(r.order, e.ID)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// defaultCommand builds a detached command for entry. It deliberately does
// not use a request context: the child must outlive the call that started it.
func defaultCommand(entry protocol.ProcessEntry) *exec.Cmd {
	cmd := exec.Command(entry.Command, entry.Args...) //nolint:gosec,noctx // commands come from operator configuration
	cmd.Dir = entry.Cwd
	if len(entry.Env) > 0 {
		cmd.Env = append(os.Environ(), entry.Env...)
	}
	return cmd
}

// Entry returns the configuration for id.
func (r *Registry) Entry(id string) (protocol.ProcessEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Handle returns the running handle for id, if one is tracked.
func (r *Registry) Handle(id string) (protocol.RunningHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return protocol.RunningHandle{}, false
	}
	return h.RunningHandle, true
}

// List returns the client-safe projection of every entry with its current
// status, in configuration order.
func (r *Registry) List(ctx context.Context) []protocol.ProcessInfo {
	out := make([]protocol.ProcessInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.info(ctx, id))
	}
	return out
}

// Info returns the client-safe projection of one entry.
func (r *Registry) Info(ctx context.Context, id string) (protocol.ProcessInfo, error) {
	if _, ok := r.entries[id]; !ok {
		return protocol.ProcessInfo{}, &protocol.ProcessControlError{ProcessID: id, Op: "status", Err: protocol.ErrUnknownProcess}
	}
	return r.info(ctx, id), nil
}

func (r *Registry) info(ctx context.Context, id string) protocol.ProcessInfo {
	entry := r.entries[id]
	info := protocol.ProcessInfo{
		ID:          entry.ID,
		Name:        entry.Name,
		Description: entry.Description,
		Status:      r.Status(ctx, id),
	}
	if h, ok := r.Handle(id); ok {
		info.PID = h.PID
	}
	return info
}

// Status reports the state of id. Unconfigured ids are Unknown; configured
// but untracked ids are Stopped; tracked ids are judged by their probe.
// While a Start or Stop is in progress, the transitional state is reported.
func (r *Registry) Status(ctx context.Context, id string) protocol.ProcessStatus {
	entry, ok := r.entries[id]
	if !ok {
		return protocol.StatusUnknown
	}

	r.mu.Lock()
	if st, busy := r.transitions[id]; busy {
		r.mu.Unlock()
		return st
	}
	h := r.handles[id]
	r.mu.Unlock()

	if h == nil {
		return protocol.StatusStopped
	}
	return r.probeStatus(ctx, entry, h)
}

// probeStatus runs the entry's probe against a tracked handle.
func (r *Registry) probeStatus(ctx context.Context, entry protocol.ProcessEntry, h *handle) protocol.ProcessStatus {
	if h.exited() {
		return protocol.StatusStopped
	}
	alive, err := r.probeFor(entry).Alive(ctx, h.RunningHandle)
	if err != nil {
		r.log.Warn().Err(err).Str("process", entry.ID).Msg("liveness probe failed")
		return protocol.StatusUnknown
	}
	if alive {
		return protocol.StatusRunning
	}
	// The process exists but its probe says it is not serving yet.
	return protocol.StatusStarting
}

// Start spawns the process for id unless a tracked instance is alive.
// After spawning it waits the settle interval and probes once.
func (r *Registry) Start(ctx context.Context, id string) (Result, error) {
	entry, ok := r.entries[id]
	if !ok {
		metrics.ProcessOperations.WithLabelValues("start", "unknown").Inc()
		return Result{}, &protocol.ProcessControlError{ProcessID: id, Op: "start", Err: protocol.ErrUnknownProcess}
	}

	unlock := r.locks.lock(id)
	defer unlock()

	if h := r.tracked(id); h != nil {
		if !h.exited() {
			// Alive, possibly still warming up: never run a second copy.
			metrics.ProcessOperations.WithLabelValues("start", "already_running").Inc()
			return r.result(entry, r.probeStatus(ctx, entry, h), h.PID, OutcomeAlreadyRunning), nil
		}
		r.untrack(id, h)
	}

	r.setTransition(id, protocol.StatusStarting)
	defer r.clearTransition(id)

	h, err := r.spawn(entry)
	if err != nil {
		metrics.ProcessOperations.WithLabelValues("start", "failed").Inc()
		r.record(ctx, eventlog.TypeProcessStartFail, id, map[string]any{"error": err.Error()})
		return r.result(entry, protocol.StatusFailedToStart, 0, OutcomeFailed),
			&protocol.ProcessControlError{ProcessID: id, Op: "start", Err: err}
	}
	r.log.Info().Str("process", id).Int("pid", h.PID).Msg("process started")
	r.record(ctx, eventlog.TypeProcessStart, id, map[string]any{"pid": h.PID})

	select {
	case <-time.After(r.settle):
	case <-h.done:
	case <-ctx.Done():
	}

	status := r.probeStatus(ctx, entry, h)
	if h.exited() {
		metrics.ProcessOperations.WithLabelValues("start", "exited").Inc()
		return r.result(entry, protocol.StatusFailedToStart, h.PID, OutcomeFailed), nil
	}
	metrics.ProcessOperations.WithLabelValues("start", "started").Inc()
	return r.result(entry, status, h.PID, OutcomeStarted), nil
}

// Stop terminates the tracked process for id and its descendants. The
// handle is dropped whether or not termination reports success, so the
// registry never stays stuck on a dead entry. An untracked id yields
// OutcomeNotTracked, not OutcomeStopped.
func (r *Registry) Stop(ctx context.Context, id string) (Result, error) {
	entry, ok := r.entries[id]
	if !ok {
		metrics.ProcessOperations.WithLabelValues("stop", "unknown").Inc()
		return Result{}, &protocol.ProcessControlError{ProcessID: id, Op: "stop", Err: protocol.ErrUnknownProcess}
	}

	unlock := r.locks.lock(id)
	defer unlock()

	h := r.tracked(id)
	if h == nil {
		metrics.ProcessOperations.WithLabelValues("stop", "not_tracked").Inc()
		return r.result(entry, protocol.StatusNotTracked, 0, OutcomeNotTracked), nil
	}

	r.setTransition(id, protocol.StatusStopping)
	defer r.clearTransition(id)

	r.untrack(id, h)
	if err := r.terminate(ctx, h); err != nil {
		metrics.ProcessOperations.WithLabelValues("stop", "failed").Inc()
		r.log.Error().Err(err).Str("process", id).Int("pid", h.PID).Msg("stop failed")
		r.record(ctx, eventlog.TypeProcessStop, id, map[string]any{"pid": h.PID, "error": err.Error()})
		return r.result(entry, protocol.StatusFailedToStop, h.PID, OutcomeFailed),
			&protocol.ProcessControlError{ProcessID: id, Op: "stop", Err: err}
	}

	metrics.ProcessOperations.WithLabelValues("stop", "stopped").Inc()
	r.log.Info().Str("process", id).Int("pid", h.PID).Msg("process stopped")
	r.record(ctx, eventlog.TypeProcessStop, id, map[string]any{"pid": h.PID})
	return r.result(entry, protocol.StatusStopped, h.PID, OutcomeStopped), nil
}

// Shutdown stops every tracked process and waits for their reapers.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range r.order {
		if r.tracked(id) == nil {
			continue
		}
		if _, err := r.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	r.Wait()
	return errors.Join(errs...)
}

// Wait blocks until all reaper goroutines have completed.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) tracked(id string) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

// untrack removes h from the table if it is still the handle for id.
func (r *Registry) untrack(id string, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] == h {
		delete(r.handles, id)
		metrics.TrackedProcesses.Set(float64(len(r.handles)))
	}
}

func (r *Registry) setTransition(id string, st protocol.ProcessStatus) {
	r.mu.Lock()
	r.transitions[id] = st
	r.mu.Unlock()
}

func (r *Registry) clearTransition(id string) {
	r.mu.Lock()
	delete(r.transitions, id)
	r.mu.Unlock()
}

func (r *Registry) result(entry protocol.ProcessEntry, st protocol.ProcessStatus, pid int, outcome Outcome) Result {
	return Result{
		ProcessInfo: protocol.ProcessInfo{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			Status:      st,
			PID:         pid,
		},
		Outcome: outcome,
	}
}

// record writes a lifecycle event; failures are logged, never returned.
func (r *Registry) record(ctx context.Context, typ, id string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	err := r.events.Record(ctx, eventlog.Event{
		Type:    typ,
		Source:  "supervisor",
		Subject: id,
		Payload: string(data),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("event", typ).Msg("record event")
	}
}

// keyedMutex hands out one mutex per key. The key set is bounded by the
// configured entries, so mutexes are never reclaimed.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
