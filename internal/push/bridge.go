// Package push keeps the local view live: it holds the single push
// subscription, turns matching notifications into narrow per-drive
// invalidations, and re-reconciles after every connection drop so
// nothing missed while offline is lost. It never activates before the
// reconciler's first drain has resolved.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/courier/internal/inbox"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
)

// ErrInboxNotDrained is returned when Enable is called before the
// reconciler's first drain reached a terminal state for the requested
// drives. The ordering gate is explicit, not a race avoided by luck.
var ErrInboxNotDrained = errors.New("push: inbox reconciliation has not completed for these drives")

// ErrAlreadyEnabled is returned when a subscription is already live.
var ErrAlreadyEnabled = errors.New("push: subscription already enabled")

// SubscriptionFailure indicates the push channel could not be opened.
// It is transient; callers retry on reconnect or focus.
type SubscriptionFailure struct {
	Err error
}

func (e *SubscriptionFailure) Error() string {
	return fmt.Sprintf("push subscription failed: %v", e.Err)
}

func (e *SubscriptionFailure) Unwrap() error { return e.Err }

// IsSubscriptionFailure reports whether err (or any error in its
// chain) is a SubscriptionFailure.
func IsSubscriptionFailure(err error) bool {
	var sf *SubscriptionFailure
	return errors.As(err, &sf)
}

// Subscription is the single live push connection.
type Subscription struct {
	Drives []model.Drive
	Kinds  []provider.NotificationType

	online atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Online reports whether the underlying connection is currently up.
func (s *Subscription) Online() bool {
	return s.online.Load()
}

// matches reports whether a notification targets a subscribed drive
// and kind.
func (s *Subscription) matches(n provider.Notification) bool {
	driveOK := false
	for _, d := range s.Drives {
		if d.Key() == n.TargetDrive.Key() {
			driveOK = true
			break
		}
	}
	if !driveOK {
		return false
	}
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == n.Type {
			return true
		}
	}
	return false
}

// reconnect backoff bounds.
const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Bridge owns the push subscription lifecycle.
type Bridge struct {
	client     provider.Client
	reconciler *inbox.Reconciler
	log        zerolog.Logger

	mu  sync.Mutex
	sub *Subscription
}

// New creates a Bridge.
func New(client provider.Client, rec *inbox.Reconciler, log zerolog.Logger) *Bridge {
	return &Bridge{
		client:     client,
		reconciler: rec,
		log:        log.With().Str("component", "push").Logger(),
	}
}

// Enable opens the push channel for the given drives and notification
// kinds. It refuses to start until the reconciler's first drain has
// reached a terminal state for every requested drive.
func (b *Bridge) Enable(
	ctx context.Context,
	drives []model.Drive,
	kinds []provider.NotificationType,
) (*Subscription, error) {
	if !b.reconciler.TerminalFor(drives) {
		return nil, ErrInboxNotDrained
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil, ErrAlreadyEnabled
	}

	runCtx, cancel := context.WithCancel(ctx)

	stream, err := b.client.Subscribe(runCtx, drives, kinds)
	if err != nil {
		cancel()
		return nil, &SubscriptionFailure{Err: err}
	}

	sub := &Subscription{
		Drives: drives,
		Kinds:  kinds,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.online.Store(true)
	b.sub = sub

	go b.run(runCtx, sub, stream)

	b.log.Info().Int("drives", len(drives)).Msg("push subscription enabled")
	return sub, nil
}

// Disable tears the subscription down and waits for the receive loop
// to exit. No notification delivered after Disable returns mutates
// local state.
func (b *Bridge) Disable() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return
	}

	sub.cancel()
	<-sub.done
	sub.online.Store(false)
	b.log.Info().Msg("push subscription disabled")
}

// run receives notifications until the context is cancelled,
// reconnecting (and re-draining) whenever the connection drops.
func (b *Bridge) run(ctx context.Context, sub *Subscription, stream provider.Stream) {
	defer close(sub.done)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case n, ok := <-stream.Events():
			if !ok {
				sub.online.Store(false)
				b.log.Warn().Err(stream.Err()).Msg("push channel dropped")
				stream.Close()

				next := b.reconnect(ctx, sub)
				if next == nil {
					return
				}
				stream = next
				continue
			}

			if ctx.Err() != nil {
				return
			}
			if !sub.matches(n) {
				continue
			}
			b.handle(ctx, n)
		}
	}
}

// handle applies one notification: a narrow refresh of the collection
// keyed by the target drive; never a global invalidate.
func (b *Bridge) handle(ctx context.Context, n provider.Notification) {
	switch n.Type {
	case provider.NoteFileAdded, provider.NoteFileModified:
		if _, err := b.reconciler.RefreshDrive(ctx, n.TargetDrive); err != nil {
			b.log.Warn().Err(err).Str("drive", n.TargetDrive.Key()).
				Msg("notification refresh failed")
			return
		}
		b.log.Debug().Str("drive", n.TargetDrive.Key()).Str("file", n.Header.FileID).
			Str("type", string(n.Type)).Msg("drive invalidated")

	case provider.NoteConnectionFinalized:
		b.log.Info().Str("sender", n.Header.Sender).Msg("connection finalized")

	default:
		b.log.Debug().Str("type", string(n.Type)).Msg("ignoring notification")
	}
}

// reconnect re-establishes the push channel with capped exponential
// backoff. Every successful reconnect drains the subscription's drives
// before live delivery resumes, recovering anything missed offline.
// Returns nil once the context is cancelled.
func (b *Bridge) reconnect(ctx context.Context, sub *Subscription) provider.Stream {
	backoff := reconnectMin

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		stream, err := b.client.Subscribe(ctx, sub.Drives, sub.Kinds)
		if err != nil {
			b.log.Warn().Err(err).Dur("backoff", backoff).Msg("push reconnect failed")
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		// Catch up before resuming live delivery.
		if _, err := b.reconciler.Drain(ctx, sub.Drives); err != nil {
			b.log.Warn().Err(err).Msg("post-reconnect drain failed")
		}

		sub.online.Store(true)
		b.log.Info().Msg("push channel re-established")
		return stream
	}
}
