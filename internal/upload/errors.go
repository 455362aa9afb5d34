package upload

import (
	"errors"
	"fmt"

	"github.com/nhle/courier/internal/model"
)

// ErrSendInFlight is returned when a second Send targets an entity
// whose previous write has not resolved; both would race on the
// version tag.
var ErrSendInFlight = errors.New("upload: send already in flight for this entity")

// UploadFailure indicates the send failed before the message was
// stored remotely: network, encryption, or attachment processing. The
// optimistic local write has been rolled back.
type UploadFailure struct {
	EntityID string

	// Deferred marks a write refused for lack of drive permission; it
	// may be retried after an out-of-band grant.
	Deferred bool

	Err error
}

func (e *UploadFailure) Error() string {
	if e.Deferred {
		return fmt.Sprintf("upload deferred for %s pending permission grant: %v", e.EntityID, e.Err)
	}
	return fmt.Sprintf("upload failed for %s: %v", e.EntityID, e.Err)
}

func (e *UploadFailure) Unwrap() error { return e.Err }

// IsUploadFailure reports whether err (or any error in its chain) is
// an UploadFailure.
func IsUploadFailure(err error) bool {
	var uf *UploadFailure
	return errors.As(err, &uf)
}

// VersionConflict indicates the server held a newer version than the
// tag presented. It is never auto-resolved; the registered conflict
// handler decides what happens next.
type VersionConflict struct {
	EntityID     string
	FileID       string
	PresentedTag string
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf(
		"version conflict on %s (file %s, presented tag %q)",
		e.EntityID, e.FileID, e.PresentedTag,
	)
}

// IsVersionConflict reports whether err (or any error in its chain) is
// a VersionConflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflict
	return errors.As(err, &vc)
}

// PartialDeliveryFailure accompanies a successful send when some
// recipients could not be reached. The local save stands; the failed
// recipients are listed so callers can mark them individually.
type PartialDeliveryFailure struct {
	EntityID string
	Failed   map[string]model.DeliveryState
}

func (e *PartialDeliveryFailure) Error() string {
	return fmt.Sprintf(
		"message %s saved but %d recipient(s) not delivered",
		e.EntityID, len(e.Failed),
	)
}

// IsPartialDelivery reports whether err (or any error in its chain) is
// a PartialDeliveryFailure.
func IsPartialDelivery(err error) bool {
	var pd *PartialDeliveryFailure
	return errors.As(err, &pd)
}
