// Package inbox reconciles the local cache with the provider-side
// backlog: it pumps the inbox in bounded batches until drained, then
// pages changed file headers from the drive's cursor position, merging
// each item idempotently into the local store. It runs to completion
// once at session start and again on every push-channel reconnect.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/courier/internal/codec"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
	"github.com/nhle/courier/internal/store"
)

// ProcessingFailure indicates a drain stopped before reaching the end
// of a drive's backlog. It is transient: the caller retries on the
// next focus event or explicit refresh; the session itself is fine.
type ProcessingFailure struct {
	Drive string
	Err   error
}

func (e *ProcessingFailure) Error() string {
	return fmt.Sprintf("inbox processing failed for drive %s: %v", e.Drive, e.Err)
}

func (e *ProcessingFailure) Unwrap() error { return e.Err }

// IsProcessingFailure reports whether err (or any error in its chain)
// is a ProcessingFailure.
func IsProcessingFailure(err error) bool {
	var pf *ProcessingFailure
	return errors.As(err, &pf)
}

// driveState serializes drains per drive and records whether the first
// drain has reached a terminal state.
type driveState struct {
	mu sync.Mutex

	terminal  bool
	lastErr   error
	lastDrain time.Time
}

// Reconciler drains provider backlogs into the local store.
type Reconciler struct {
	client    provider.Client
	store     store.Store
	codec     *codec.Codec
	session   *model.Session
	batchSize int
	log       zerolog.Logger

	mu     sync.Mutex
	drives map[string]*driveState
}

// New creates a Reconciler. batchSize caps how many items each round
// trip may carry; values <= 0 fall back to 50.
func New(
	client provider.Client,
	s store.Store,
	c *codec.Codec,
	session *model.Session,
	batchSize int,
	log zerolog.Logger,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Reconciler{
		client:    client,
		store:     s,
		codec:     c,
		session:   session,
		batchSize: batchSize,
		log:       log.With().Str("component", "inbox").Logger(),
		drives:    make(map[string]*driveState),
	}
}

// state returns the per-drive bookkeeping, creating it on first use.
func (r *Reconciler) state(d model.Drive) *driveState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.drives[d.Key()]
	if !ok {
		st = &driveState{}
		r.drives[d.Key()] = st
	}
	return st
}

// Drain pulls backlog items for every given drive until drained or an
// error occurs, returning how many items were merged. Failure is
// non-fatal and recorded as the drive's terminal state, so the push
// gate still opens; the caller retries later.
func (r *Reconciler) Drain(ctx context.Context, drives []model.Drive) (int, error) {
	total := 0
	for _, d := range drives {
		n, err := r.drainDrive(ctx, d)
		total += n
		if err != nil {
			r.log.Warn().Err(err).Str("drive", d.Key()).Msg("drain failed")
			return total, &ProcessingFailure{Drive: d.Key(), Err: err}
		}
	}
	return total, nil
}

// drainDrive drains a single drive. Concurrent drains of the same
// drive serialize on the per-drive lock, so overlapping backlog pages
// are merged once each.
func (r *Reconciler) drainDrive(ctx context.Context, d model.Drive) (n int, err error) {
	st := r.state(d)
	st.mu.Lock()
	defer st.mu.Unlock()

	defer func() {
		st.terminal = true
		st.lastErr = err
		st.lastDrain = time.Now()
	}()

	// Pump the provider-side inbox until a short batch signals the
	// backlog is empty.
	for {
		processed, perr := r.client.ProcessInbox(ctx, d, r.batchSize)
		if perr != nil {
			return n, perr
		}
		n += processed
		if processed < r.batchSize {
			break
		}
	}

	merged, err := r.refreshLocked(ctx, d)
	if err != nil {
		return n, err
	}

	r.log.Info().Str("drive", d.Key()).Int("processed", n).Int("merged", merged).
		Msg("drive drained")
	return n, nil
}

// RefreshDrive pages changed headers for one drive from its cursor and
// merges them, without pumping the provider-side inbox. The push
// bridge uses it for targeted invalidation.
func (r *Reconciler) RefreshDrive(ctx context.Context, d model.Drive) (int, error) {
	st := r.state(d)
	st.mu.Lock()
	defer st.mu.Unlock()

	merged, err := r.refreshLocked(ctx, d)
	if err != nil {
		return merged, &ProcessingFailure{Drive: d.Key(), Err: err}
	}
	return merged, nil
}

// refreshLocked pages query results from the drive's stored cursor,
// merging every item into the store and advancing the cursor. The
// caller holds the per-drive lock.
func (r *Reconciler) refreshLocked(ctx context.Context, d model.Drive) (int, error) {
	cursor := ""
	if cur, err := r.store.GetCursor(ctx, d.Key()); err != nil {
		return 0, err
	} else if cur != nil {
		cursor = cur.State
	}

	merged := 0
	for {
		res, err := r.client.QueryBatch(ctx, provider.BatchQuery{
			Drive:      d,
			Cursor:     cursor,
			MaxRecords: r.batchSize,
		})
		if err != nil {
			return merged, err
		}

		if len(res.Items) > 0 {
			msgs := make([]model.MessageEntity, 0, len(res.Items))
			for _, item := range res.Items {
				m, derr := r.decode(d, item)
				if derr != nil {
					// A single undecodable item is logged and skipped;
					// it must not wedge the whole drive.
					r.log.Warn().Err(derr).Str("drive", d.Key()).
						Str("file", item.FileID).Msg("skipping undecodable item")
					continue
				}
				msgs = append(msgs, *m)
			}
			if err := r.store.UpsertMessages(ctx, msgs); err != nil {
				return merged, err
			}
			merged += len(msgs)
		}

		cursor = res.Cursor
		if len(res.Items) < r.batchSize {
			break
		}
	}

	err := r.store.SaveCursor(ctx, model.InboxCursor{
		Drive:   d.Key(),
		State:   cursor,
		Drained: true,
	})
	return merged, err
}

// decode turns one encrypted batch item into a message entity.
func (r *Reconciler) decode(d model.Drive, item provider.BatchItem) (*model.MessageEntity, error) {
	plaintext, err := r.codec.Decrypt(r.session.SharedSecret, item.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", item.FileID, err)
	}

	content, err := r.codec.DecodeContent(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", item.FileID, err)
	}

	delivery := make(map[string]model.DeliveryState, len(item.RecipientStatus))
	for recipient, state := range item.RecipientStatus {
		delivery[recipient] = state
	}
	if len(delivery) == 0 {
		delivery = nil
	}

	m := &model.MessageEntity{
		ID:               uuid.New().String(),
		Drive:            d,
		FileID:           item.FileID,
		VersionTag:       item.VersionTag,
		OriginID:         content.OriginID,
		ThreadID:         content.ThreadID,
		Subject:          content.Subject,
		Body:             content.Body,
		Sender:           item.Sender,
		Recipients:       content.Recipients,
		CreatedAt:        item.CreatedAt,
		UpdatedAt:        item.UpdatedAt,
		TransitCreatedAt: item.TransitCreatedAt,
		UserDate:         content.UserDate,
		DeliveryStatus:   delivery,
		Attachments:      item.Attachments,
		PreviewThumbnail: item.PreviewThumbnail,
	}
	if m.Sender == "" {
		m.Sender = content.Sender
	}
	m.AllowDistribution = len(m.Recipients) > 0
	return m, nil
}

// TerminalFor reports whether the first drain has reached a terminal
// state (success or failure) for every given drive. The notification
// bridge gates on this.
func (r *Reconciler) TerminalFor(drives []model.Drive) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range drives {
		st, ok := r.drives[d.Key()]
		if !ok || !st.terminal {
			return false
		}
	}
	return true
}

// LastError returns the terminal error of the drive's most recent
// drain, if any.
func (r *Reconciler) LastError(d model.Drive) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.drives[d.Key()]; ok {
		return st.lastErr
	}
	return nil
}
