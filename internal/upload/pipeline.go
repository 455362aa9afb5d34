// Package upload is the write path: it encrypts and uploads one
// message entity (optionally with attachments) to its drive,
// distributes it to remote recipients, and reports per-recipient
// delivery outcome. Local state moves optimistically and is restored
// by compare-and-restore on failure, never patched best-effort.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/courier/internal/codec"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
	"github.com/nhle/courier/internal/store"
)

// ConflictHandler is invoked exactly once when an update presents a
// stale version tag. It receives the local entity as it was before the
// attempted write. No automatic merge is ever attempted.
type ConflictHandler func(local *model.MessageEntity)

// Pipeline uploads message entities for one session.
type Pipeline struct {
	client     provider.Client
	codec      *codec.Codec
	store      store.Store
	session    *model.Session
	kind       codec.ContentKind
	onConflict ConflictHandler
	log        zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Pipeline. The conflict handler may be nil, in which
// case conflicts are only surfaced as errors.
func New(
	client provider.Client,
	c *codec.Codec,
	s store.Store,
	session *model.Session,
	kind codec.ContentKind,
	onConflict ConflictHandler,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		client:     client,
		codec:      c,
		store:      s,
		session:    session,
		kind:       kind,
		onConflict: onConflict,
		log:        log.With().Str("component", "upload").Logger(),
		inflight:   make(map[string]struct{}),
	}
}

// acquire reserves the entity for a single in-flight write.
func (p *Pipeline) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// Send uploads the entity and its attachment files. On success the
// returned entity carries the server-assigned file id, new version
// tag, preview thumbnail, and per-recipient delivery status; it may be
// accompanied by a PartialDeliveryFailure when some recipients were
// not reached; the local save is never undone for a remote delivery
// problem. A stale version tag fails with VersionConflict after the
// registered handler ran.
func (p *Pipeline) Send(
	ctx context.Context,
	entity *model.MessageEntity,
	files []codec.File,
) (*model.MessageEntity, error) {
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}

	if !p.acquire(entity.ID) {
		return nil, ErrSendInFlight
	}
	defer p.release(entity.ID)

	e := entity.Clone()

	// New conversations mint their lineage and chain ids here; replies
	// arrive with both already set and keep them.
	if e.OriginID == "" {
		e.OriginID = uuid.New().String()
	}
	if e.ThreadID == "" {
		e.ThreadID = uuid.New().String()
	}

	e.AllowDistribution = len(e.Recipients) > 0

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if len(e.Recipients) > 0 {
		if e.DeliveryStatus == nil {
			e.DeliveryStatus = make(map[string]model.DeliveryState, len(e.Recipients))
		}
		for _, r := range e.Recipients {
			e.DeliveryStatus[r] = model.MergeDeliveryState(
				e.DeliveryStatus[r], model.DeliveryPending,
			)
		}
	}

	prior, err := p.store.GetMessageByID(ctx, e.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &UploadFailure{EntityID: e.ID, Err: err}
	}

	cmd := newCommand(e.ID, prior, *e)
	if err := cmd.apply(ctx, p.store); err != nil {
		return nil, &UploadFailure{EntityID: e.ID, Err: err}
	}

	result, sendErr := p.submit(ctx, e, files)
	if sendErr != nil {
		if rbErr := cmd.rollback(ctx, p.store); rbErr != nil {
			p.log.Error().Err(rbErr).Str("entity", e.ID).
				Msg("rollback after failed send did not complete")
		}

		if errors.Is(sendErr, provider.ErrVersionMismatch) {
			p.log.Warn().Str("entity", e.ID).Str("tag", e.VersionTag).
				Msg("version conflict, invoking handler")
			if p.onConflict != nil {
				p.onConflict(cmd.prior)
			}
			return nil, &VersionConflict{
				EntityID:     e.ID,
				FileID:       e.FileID,
				PresentedTag: e.VersionTag,
			}
		}

		return nil, &UploadFailure{
			EntityID: e.ID,
			Deferred: errors.Is(sendErr, provider.ErrAccessDenied),
			Err:      sendErr,
		}
	}

	e.FileID = result.FileID
	e.VersionTag = result.NewVersionTag
	if result.PreviewThumbnail != "" {
		e.PreviewThumbnail = result.PreviewThumbnail
	}

	failed := make(map[string]model.DeliveryState)
	if len(result.RecipientStatus) > 0 && e.DeliveryStatus == nil {
		e.DeliveryStatus = make(map[string]model.DeliveryState, len(result.RecipientStatus))
	}
	for recipient, state := range result.RecipientStatus {
		merged := model.MergeDeliveryState(e.DeliveryStatus[recipient], state)
		e.DeliveryStatus[recipient] = merged
		if merged != model.DeliveryDeliveredToInbox {
			failed[recipient] = merged
		}
	}

	if err := p.store.SaveMessage(ctx, *e); err != nil {
		// The remote write stands; surface the local persistence error
		// without undoing anything.
		return e, &UploadFailure{EntityID: e.ID, Err: err}
	}

	p.log.Info().Str("entity", e.ID).Str("file", e.FileID).
		Int("recipients", len(e.Recipients)).Msg("message uploaded")

	if len(failed) > 0 {
		return e, &PartialDeliveryFailure{EntityID: e.ID, Failed: failed}
	}
	return e, nil
}

// submit processes attachments one at a time, encrypts the content,
// and performs the provider upload.
func (p *Pipeline) submit(
	ctx context.Context,
	e *model.MessageEntity,
	files []codec.File,
) (*provider.UploadResult, error) {
	var parts []provider.FilePart

	// One file at a time bounds peak memory.
	for _, f := range files {
		processed, err := p.codec.ProcessFile(ctx, f)
		if err != nil {
			return nil, err
		}
		e.Attachments = append(e.Attachments, processed.Descriptor)
		parts = append(parts, provider.FilePart{
			Key:         processed.Payload.Key,
			ContentType: processed.Payload.ContentType,
			Data:        processed.Payload.Data,
		})
		if processed.Thumbnail != nil {
			parts = append(parts, provider.FilePart{
				Key:         processed.Thumbnail.Key,
				ContentType: processed.Thumbnail.ContentType,
				Data:        processed.Thumbnail.Data,
				IsThumbnail: true,
			})
		}
	}

	plaintext, err := p.codec.EncodeContent(e, p.kind)
	if err != nil {
		return nil, err
	}
	sealed, err := p.codec.Encrypt(p.session.SharedSecret, plaintext)
	if err != nil {
		return nil, err
	}

	instr := provider.Instruction{Drive: e.Drive}
	if e.FileID != "" {
		instr.OverwriteFileID = e.FileID
	}
	if len(e.Recipients) > 0 {
		instr.Distribution = &provider.Distribution{
			Recipients:       e.Recipients,
			ConfirmationMode: provider.ConfirmDelivered,
		}
	}

	meta := provider.Metadata{
		VersionTag:        e.VersionTag,
		AllowDistribution: e.AllowDistribution,
		Content:           sealed,
		ACL:               aclFor(e),
	}

	return p.client.Upload(ctx, instr, meta, parts)
}

// aclFor derives the read policy for an upload: distributed messages
// are readable by their recipients' connections, private ones by the
// owner alone.
func aclFor(e *model.MessageEntity) provider.AccessControl {
	if len(e.Recipients) > 0 {
		return provider.AccessControl{Audience: "connections"}
	}
	return provider.AccessControl{Audience: "owner"}
}

// Forward clones an entity into a new reply chain: the conversation
// lineage (origin id) is preserved, the thread id is minted fresh, and
// all server-assigned and delivery state is cleared so the forward
// goes through a first write.
func Forward(e *model.MessageEntity) *model.MessageEntity {
	f := e.Clone()
	f.ID = uuid.New().String()
	f.ThreadID = uuid.New().String()
	f.FileID = ""
	f.VersionTag = ""
	f.Recipients = nil
	f.AllowDistribution = false
	f.DeliveryStatus = nil
	f.PreviewThumbnail = ""
	f.TransitCreatedAt = nil
	f.IsRead = false
	return f
}
