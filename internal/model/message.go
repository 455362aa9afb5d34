package model

import "time"

// DeliveryState is the per-recipient delivery outcome for a distributed
// message. States are monotonic: once a recipient reaches a terminal
// state it never regresses to pending.
type DeliveryState string

const (
	DeliveryPending          DeliveryState = "pending"
	DeliveryDeliveredToInbox DeliveryState = "deliveredToInbox"
	DeliveryFailed           DeliveryState = "failed"
)

// Terminal reports whether the state is a final delivery outcome.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryDeliveredToInbox || s == DeliveryFailed
}

// MergeDeliveryState combines a previously observed state with a newly
// reported one, refusing any regression from a terminal state back to
// pending.
func MergeDeliveryState(old, next DeliveryState) DeliveryState {
	if next == "" {
		return old
	}
	if old.Terminal() && next == DeliveryPending {
		return old
	}
	return next
}

// Attachment describes one payload stored alongside a message. The
// payload bytes themselves travel separately through the upload
// pipeline; the descriptor is what the message carries.
type Attachment struct {
	// Key identifies the payload within the message's storage area.
	Key string `json:"key"`

	// ContentType is the MIME type of the payload.
	ContentType string `json:"content_type"`

	// Size is the payload length in bytes.
	Size int64 `json:"size"`
}

// MessageEntity is the core unit of the synchronization core: one
// message (or conversation object) as held in the local cache.
type MessageEntity struct {
	// ID is the local unique identifier, assigned at draft creation.
	// It never changes and never leaves this machine.
	ID string `json:"id"`

	// Drive is the storage partition holding this message.
	Drive Drive `json:"drive"`

	// FileID is the server-assigned identifier, absent until the first
	// successful upload.
	FileID string `json:"file_id"`

	// VersionTag is the server-assigned optimistic-concurrency token,
	// reassigned on every successful write. An update must present the
	// tag it last observed.
	VersionTag string `json:"version_tag"`

	// OriginID is stable across replies and forwards of one
	// conversation lineage. Assigned once, on the very first message,
	// and copied forward; immutable afterwards.
	OriginID string `json:"origin_id"`

	// ThreadID identifies one reply chain. Replies keep it; a forward
	// mints a new one.
	ThreadID string `json:"thread_id"`

	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`

	// CreatedAt/UpdatedAt are author-side timestamps.
	// TransitCreatedAt is the receiver-side receipt time, set only on
	// messages that arrived through the inbox.
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	TransitCreatedAt *time.Time `json:"transit_created_at,omitempty"`

	// UserDate is an explicit user-supplied ordering date, preferred
	// over CreatedAt when present.
	UserDate *time.Time `json:"user_date,omitempty"`

	// IsRead is local, per-viewer state; it is never uploaded and
	// survives remote updates to the same message.
	IsRead bool `json:"is_read"`

	// AllowDistribution marks the message for delivery to remote
	// recipients. Never set while Recipients is empty.
	AllowDistribution bool `json:"allow_distribution"`

	// DeliveryStatus tracks the per-recipient delivery outcome.
	DeliveryStatus map[string]DeliveryState `json:"delivery_status,omitempty"`

	Attachments      []Attachment `json:"attachments,omitempty"`
	PreviewThumbnail string       `json:"preview_thumbnail,omitempty"`
}

// Clone returns a deep copy of the entity. Maps and slices are copied
// so the clone can be mutated without affecting the original; the
// upload pipeline relies on this for its compare-and-restore snapshots.
func (m *MessageEntity) Clone() *MessageEntity {
	c := *m
	if m.Recipients != nil {
		c.Recipients = append([]string(nil), m.Recipients...)
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.DeliveryStatus != nil {
		c.DeliveryStatus = make(map[string]DeliveryState, len(m.DeliveryStatus))
		for k, v := range m.DeliveryStatus {
			c.DeliveryStatus[k] = v
		}
	}
	if m.TransitCreatedAt != nil {
		t := *m.TransitCreatedAt
		c.TransitCreatedAt = &t
	}
	if m.UserDate != nil {
		t := *m.UserDate
		c.UserDate = &t
	}
	return &c
}
