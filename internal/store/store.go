package store

import (
	"context"

	"github.com/nhle/courier/internal/model"
)

// MessageFilter controls filtering, sorting, and pagination for message
// queries.
type MessageFilter struct {
	Drive    *string // drive key, or nil (all)
	ThreadID *string
	OriginID *string
	Sender   *string
	Unread   *bool
	Query    *string // search subject + body
	SortBy   string  // "created_at", "updated_at", "user_date"
	SortDesc bool
	Limit    int
	Offset   int
}

// Store is the local message cache: content addressed by
// (drive, fileId), with secondary indices on threadId and originId,
// updated incrementally by the pipeline, reconciler, and bridge, and
// read as snapshots by the thread layer.
type Store interface {
	// === Messages ===

	// UpsertMessages merges remote items into the cache keyed by
	// (drive, fileId). Re-merging an already-processed item is a
	// no-op; local per-viewer read state survives the merge.
	UpsertMessages(ctx context.Context, msgs []model.MessageEntity) error

	// SaveMessage writes one entity by its local id (drafts and
	// pipeline snapshots).
	SaveMessage(ctx context.Context, m model.MessageEntity) error

	// RestoreSnapshot puts the row for id back to a prior snapshot; a
	// nil prior removes an optimistically inserted row.
	RestoreSnapshot(ctx context.Context, id string, prior *model.MessageEntity) error

	GetMessageByID(ctx context.Context, id string) (*model.MessageEntity, error)
	GetMessageByFileID(ctx context.Context, driveKey, fileID string) (*model.MessageEntity, error)
	GetMessages(ctx context.Context, f MessageFilter) ([]model.MessageEntity, error)
	CountMessages(ctx context.Context, f MessageFilter) (int, error)

	// MarkRead flips the local per-viewer read flag.
	MarkRead(ctx context.Context, id string) error

	// === Inbox cursors ===

	GetCursor(ctx context.Context, driveKey string) (*model.InboxCursor, error)
	SaveCursor(ctx context.Context, c model.InboxCursor) error
}
