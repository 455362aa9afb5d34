package model

import "time"

// InboxCursor is the per-drive pagination position into the provider's
// backlog. The state token is opaque to this core; it advances
// monotonically as the reconciler consumes batches and is never rewound
// except by an explicit reconnection-triggered resync.
type InboxCursor struct {
	// Drive is the drive key this cursor belongs to.
	Drive string `json:"drive"`

	// State is the provider-issued pagination token.
	State string `json:"state"`

	// Drained records whether the last drain reached the end of the
	// backlog.
	Drained bool `json:"drained"`

	// UpdatedAt is when the cursor last advanced.
	UpdatedAt time.Time `json:"updated_at"`
}
