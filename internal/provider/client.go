package provider

import (
	"context"

	"github.com/nhle/courier/internal/model"
)

// Stream is one live push-channel connection. The events channel is
// closed when the connection drops; Err then reports why. Close tears
// the connection down and is safe to call more than once.
type Stream interface {
	Events() <-chan Notification
	Err() error
	Close() error
}

// Client is the full provider surface used by the synchronization
// core. Implementations must be safe for concurrent use.
type Client interface {
	// Upload stores (or overwrites) one file with its encrypted
	// metadata and payload parts, optionally distributing it to remote
	// recipients. A stale Metadata.VersionTag yields ErrVersionMismatch.
	Upload(ctx context.Context, instr Instruction, meta Metadata, parts []FilePart) (*UploadResult, error)

	// QueryBatch pages file headers out of a drive from the given
	// cursor position.
	QueryBatch(ctx context.Context, q BatchQuery) (*BatchResult, error)

	// ProcessInbox asks the provider to move up to maxRecords backlog
	// items into the drive, returning how many were processed. Callers
	// loop until the count comes back below maxRecords.
	ProcessInbox(ctx context.Context, drive model.Drive, maxRecords int) (int, error)

	// Subscribe opens the push channel for the given drives and
	// notification kinds.
	Subscribe(ctx context.Context, drives []model.Drive, kinds []NotificationType) (Stream, error)
}
