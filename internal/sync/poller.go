// Package sync provides a polling fallback for keeping the local cache
// current when the push channel is unavailable: each registered drive
// is drained on an interval, with manual triggers for focus events.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/courier/internal/inbox"
	"github.com/nhle/courier/internal/model"
)

// State represents the current state of a drive's polling loop.
type State int

const (
	Idle State = iota
	Running
	Errored
)

// Status holds the poll state for a single drive.
type Status struct {
	Drive    model.Drive
	State    State
	LastPoll time.Time
	Error    error
}

// Result reports the outcome of one poll round.
type Result struct {
	Drive  model.Drive
	Merged int
	Error  error
}

// drainTimeout bounds a single drain round trip.
const drainTimeout = 30 * time.Second

// Poller drains registered drives on a fixed interval. It is the
// degraded-mode companion to the push bridge: same reconciler, no live
// notifications.
type Poller struct {
	reconciler *inbox.Reconciler
	interval   time.Duration
	log        zerolog.Logger

	resultCh  chan Result
	triggerCh chan model.Drive
	stopCh    chan struct{}

	mu       gosync.Mutex
	drives   []model.Drive
	statuses map[string]*Status
	running  bool
}

// New creates a Poller. interval values <= 0 fall back to two minutes.
func New(rec *inbox.Reconciler, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Poller{
		reconciler: rec,
		interval:   interval,
		log:        log.With().Str("component", "poller").Logger(),
		resultCh:   make(chan Result, 16),
		triggerCh:  make(chan model.Drive, 16),
		stopCh:     make(chan struct{}),
	}
}

// RegisterDrive adds a drive to the polling set. Drives registered
// after Start are picked up on the next round.
func (p *Poller) RegisterDrive(d model.Drive) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statuses == nil {
		p.statuses = make(map[string]*Status)
	}
	if _, ok := p.statuses[d.Key()]; ok {
		return
	}
	p.drives = append(p.drives, d)
	p.statuses[d.Key()] = &Status{Drive: d, State: Idle}
}

// Start launches the polling loop. Calling Start on a running poller is
// a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()
}

// Stop halts the polling loop.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

// Refresh triggers an immediate poll of one drive, ahead of schedule.
func (p *Poller) Refresh(d model.Drive) {
	select {
	case p.triggerCh <- d:
	default:
		// A trigger is already queued; the pending round covers it.
	}
}

// Results exposes per-round outcomes for callers that surface status.
func (p *Poller) Results() <-chan Result {
	return p.resultCh
}

// Statuses returns a snapshot of every registered drive's poll state.
func (p *Poller) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, *s)
	}
	return out
}

// loop runs scheduled and triggered rounds until Stop.
func (p *Poller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// An initial round right away, so a fresh start is not stale for a
	// full interval.
	p.pollAll()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollAll()
		case d := <-p.triggerCh:
			p.pollOne(d)
		}
	}
}

func (p *Poller) pollAll() {
	p.mu.Lock()
	drives := make([]model.Drive, len(p.drives))
	copy(drives, p.drives)
	p.mu.Unlock()

	for _, d := range drives {
		p.pollOne(d)
	}
}

// pollOne drains a single drive and records the outcome.
func (p *Poller) pollOne(d model.Drive) {
	p.setStatus(d, Running, nil)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	merged, err := p.reconciler.Drain(ctx, []model.Drive{d})
	if err != nil {
		p.setStatus(d, Errored, err)
		p.log.Warn().Err(err).Str("drive", d.Key()).Msg("poll round failed")
		p.sendResult(Result{Drive: d, Error: err})
		return
	}

	p.setStatus(d, Idle, nil)
	p.sendResult(Result{Drive: d, Merged: merged})
}

func (p *Poller) setStatus(d model.Drive, state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[d.Key()]
	if !ok {
		return
	}
	status.State = state
	status.Error = err
	if state == Idle && err == nil {
		status.LastPoll = time.Now()
	}
}

// sendResult publishes a round outcome without blocking the loop.
func (p *Poller) sendResult(r Result) {
	select {
	case p.resultCh <- r:
	default:
	}
}
