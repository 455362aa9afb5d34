// Package provider defines the external surface of the identity and
// storage backend: upload, batched query, inbox drain, and the push
// channel. Everything behind these interfaces is an external service;
// this core never assumes anything about its storage engine.
package provider

import (
	"errors"
	"time"

	"github.com/nhle/courier/internal/model"
)

// Wire-level failures the components translate into their own error
// kinds.
var (
	// ErrVersionMismatch is returned when an upload presents a stale
	// version tag.
	ErrVersionMismatch = errors.New("provider: version tag mismatch")

	// ErrUnauthorized is returned when the session token is rejected.
	ErrUnauthorized = errors.New("provider: unauthorized")

	// ErrAccessDenied is returned when the caller lacks permission to
	// create or write the target drive.
	ErrAccessDenied = errors.New("provider: access denied")
)

// ConfirmationMode selects how distribution reports completion.
type ConfirmationMode string

const (
	// ConfirmDelivered asks the provider to report per-recipient inbox
	// delivery in the upload response.
	ConfirmDelivered ConfirmationMode = "delivered"

	// ConfirmNone fires distribution without waiting for outcomes.
	ConfirmNone ConfirmationMode = "none"
)

// Distribution asks the provider to deliver the uploaded file to
// remote recipients. Present only when the recipient list is non-empty.
type Distribution struct {
	Recipients       []string          `json:"recipients"`
	ConfirmationMode ConfirmationMode  `json:"confirmationMode"`
	NotificationMeta map[string]string `json:"notificationMeta,omitempty"`
}

// Instruction tells the provider where an upload lands.
type Instruction struct {
	Drive model.Drive `json:"drive"`

	// OverwriteFileID targets an existing file for update; empty for a
	// first write.
	OverwriteFileID string `json:"overwriteFileId,omitempty"`

	Distribution *Distribution `json:"distribution,omitempty"`
}

// AccessControl is the read policy attached to an upload.
type AccessControl struct {
	// Audience is who may read: "owner", "connections", or "circle".
	Audience string `json:"audience"`

	// CircleIDs narrows a "circle" audience to specific circles.
	CircleIDs []string `json:"circleIds,omitempty"`
}

// Metadata is the encrypted file metadata accompanying an upload.
type Metadata struct {
	// VersionTag is the tag last observed by the writer; required when
	// overwriting, empty on first write.
	VersionTag string `json:"versionTag,omitempty"`

	AllowDistribution bool          `json:"allowDistribution"`
	Content           []byte        `json:"content"`
	ACL               AccessControl `json:"accessControlList"`
}

// FilePart is one payload or thumbnail file in an upload.
type FilePart struct {
	Key         string
	ContentType string
	Data        []byte
	IsThumbnail bool
}

// UploadResult is the provider's response to a successful upload.
type UploadResult struct {
	FileID           string                         `json:"fileId"`
	NewVersionTag    string                         `json:"newVersionTag"`
	PreviewThumbnail string                         `json:"previewThumbnail,omitempty"`
	RecipientStatus  map[string]model.DeliveryState `json:"recipientStatus,omitempty"`
}

// BatchQuery pages file headers out of a drive.
type BatchQuery struct {
	Drive      model.Drive `json:"drive"`
	FileTypes  []string    `json:"fileType,omitempty"`
	GroupID    string      `json:"groupId,omitempty"`
	Cursor     string      `json:"cursorState,omitempty"`
	MaxRecords int         `json:"maxRecords"`
	Descending bool        `json:"ordering,omitempty"`
}

// BatchItem is one file header returned by a batched query. Content is
// encrypted; the reconciler decrypts and decodes it at the boundary.
type BatchItem struct {
	FileID           string             `json:"fileId"`
	VersionTag       string             `json:"versionTag"`
	Sender           string             `json:"sender"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	TransitCreatedAt *time.Time         `json:"transitCreatedAt,omitempty"`
	Content          []byte             `json:"content"`
	Attachments      []model.Attachment `json:"attachments,omitempty"`
	PreviewThumbnail string             `json:"previewThumbnail,omitempty"`
	RecipientStatus  map[string]model.DeliveryState `json:"recipientStatus,omitempty"`
}

// BatchResult is one page of query results plus the advanced cursor.
type BatchResult struct {
	Items  []BatchItem `json:"results"`
	Cursor string      `json:"cursorState"`
}

// NotificationType classifies push events.
type NotificationType string

const (
	NoteFileAdded             NotificationType = "fileAdded"
	NoteFileModified          NotificationType = "fileModified"
	NoteConnectionFinalized   NotificationType = "connectionFinalized"
)

// NotificationHeader carries the minimal addressing data of a push
// event.
type NotificationHeader struct {
	FileID string `json:"fileId,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// Notification is one event delivered over the push channel.
type Notification struct {
	Type        NotificationType   `json:"notificationType"`
	TargetDrive model.Drive        `json:"targetDrive"`
	Header      NotificationHeader `json:"header"`
}
