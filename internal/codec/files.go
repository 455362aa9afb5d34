package codec

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/courier/internal/model"
)

// File is one raw attachment handed to the codec by a caller.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Part is one processed payload ready for upload.
type Part struct {
	Key         string
	ContentType string
	Data        []byte
	IsThumbnail bool
}

// ProcessedFile is the result of classifying and preparing one
// attachment: always exactly one payload, plus a thumbnail for images
// and videos.
type ProcessedFile struct {
	Descriptor model.Attachment
	Payload    Part
	Thumbnail  *Part
}

// Thumbnailer is the external media collaborator. Probing and
// thumbnail generation are opaque to this core.
type Thumbnailer interface {
	// Thumbnail renders a preview image for the given file.
	Thumbnail(ctx context.Context, f File) (File, error)

	// ProbeVideo inspects a video file before thumbnailing.
	ProbeVideo(ctx context.Context, f File) error
}

// Codec classifies and packages attachments and carries the content
// and payload (de)serialization for the pipeline.
type Codec struct {
	thumbs Thumbnailer
}

// New creates a Codec. The thumbnailer may be nil, in which case no
// previews are generated.
func New(thumbs Thumbnailer) *Codec {
	return &Codec{thumbs: thumbs}
}

// IsImage reports whether the content type denotes an image file.
func IsImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// IsVideo reports whether the content type denotes a video file.
func IsVideo(contentType string) bool {
	return strings.HasPrefix(contentType, "video/")
}

// ProcessFile classifies one attachment and produces its payload and,
// for media files, a thumbnail. Videos are probed first and always
// yield a single payload. Callers process files one at a time to bound
// peak memory.
func (c *Codec) ProcessFile(ctx context.Context, f File) (*ProcessedFile, error) {
	key := uuid.New().String()

	p := &ProcessedFile{
		Descriptor: model.Attachment{
			Key:         key,
			ContentType: f.ContentType,
			Size:        int64(len(f.Data)),
		},
		Payload: Part{
			Key:         key,
			ContentType: f.ContentType,
			Data:        f.Data,
		},
	}

	switch {
	case IsVideo(f.ContentType):
		if c.thumbs == nil {
			return p, nil
		}
		if err := c.thumbs.ProbeVideo(ctx, f); err != nil {
			return nil, fmt.Errorf("probing video %s: %w", f.Name, err)
		}
		thumb, err := c.thumbs.Thumbnail(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("thumbnailing video %s: %w", f.Name, err)
		}
		p.Thumbnail = &Part{
			Key:         key,
			ContentType: thumb.ContentType,
			Data:        thumb.Data,
			IsThumbnail: true,
		}

	case IsImage(f.ContentType):
		if c.thumbs == nil {
			return p, nil
		}
		thumb, err := c.thumbs.Thumbnail(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("thumbnailing image %s: %w", f.Name, err)
		}
		p.Thumbnail = &Part{
			Key:         key,
			ContentType: thumb.ContentType,
			Data:        thumb.Data,
			IsThumbnail: true,
		}
	}

	return p, nil
}
