package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/store"
	"github.com/nhle/courier/tests/testutil"
)

func remoteMessage(drive model.Drive, fileID, thread, origin string) model.MessageEntity {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return model.MessageEntity{
		Drive:      drive,
		FileID:     fileID,
		VersionTag: "v1",
		OriginID:   origin,
		ThreadID:   thread,
		Subject:    "subject " + fileID,
		Body:       "body",
		Sender:     "alice.example",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUpsertMessagesIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	drive := model.NewDrive("mail", "mailbox")

	batch := []model.MessageEntity{
		remoteMessage(drive, "f1", "t1", "o1"),
		remoteMessage(drive, "f2", "t1", "o1"),
	}

	require.NoError(t, s.UpsertMessages(ctx, batch))
	require.NoError(t, s.UpsertMessages(ctx, batch))

	driveKey := drive.Key()
	msgs, err := s.GetMessages(ctx, store.MessageFilter{Drive: &driveKey})
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "re-merging the same batch must not duplicate")
}

func TestUpsertMessagesPreservesLocalReadState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	drive := model.NewDrive("mail", "mailbox")

	m := remoteMessage(drive, "f1", "t1", "o1")
	require.NoError(t, s.UpsertMessages(ctx, []model.MessageEntity{m}))

	got, err := s.GetMessageByFileID(ctx, drive.Key(), "f1")
	require.NoError(t, err)
	require.NoError(t, s.MarkRead(ctx, got.ID))

	// A remote update arrives for the same file.
	updated := remoteMessage(drive, "f1", "t1", "o1")
	updated.VersionTag = "v2"
	updated.Body = "edited"
	require.NoError(t, s.UpsertMessages(ctx, []model.MessageEntity{updated}))

	again, err := s.GetMessageByFileID(ctx, drive.Key(), "f1")
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID, "local id must survive remote updates")
	assert.True(t, again.IsRead, "local read flag must survive remote updates")
	assert.Equal(t, "v2", again.VersionTag)
	assert.Equal(t, "edited", again.Body)
}

func TestSaveAndRestoreSnapshot(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	drive := model.NewDrive("mail", "mailbox")

	draft := model.MessageEntity{
		ID:        "local-1",
		Drive:     drive,
		Subject:   "draft",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveMessage(ctx, draft))

	// Restore to a prior version.
	prior := draft
	prior.Subject = "original"
	require.NoError(t, s.RestoreSnapshot(ctx, "local-1", &prior))

	got, err := s.GetMessageByID(ctx, "local-1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Subject)

	// A nil prior removes an optimistically inserted row.
	require.NoError(t, s.RestoreSnapshot(ctx, "local-1", nil))
	_, err = s.GetMessageByID(ctx, "local-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetMessagesFilters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	mail := model.NewDrive("mail", "mailbox")
	feed := model.NewDrive("feed", "channel")

	require.NoError(t, s.UpsertMessages(ctx, []model.MessageEntity{
		remoteMessage(mail, "f1", "t1", "oA"),
		remoteMessage(mail, "f2", "t2", "oA"),
		remoteMessage(feed, "f3", "t3", "oB"),
	}))

	thread := "t1"
	byThread, err := s.GetMessages(ctx, store.MessageFilter{ThreadID: &thread})
	require.NoError(t, err)
	require.Len(t, byThread, 1)
	assert.Equal(t, "f1", byThread[0].FileID)

	origin := "oA"
	byOrigin, err := s.GetMessages(ctx, store.MessageFilter{OriginID: &origin})
	require.NoError(t, err)
	assert.Len(t, byOrigin, 2)

	feedKey := feed.Key()
	count, err := s.CountMessages(ctx, store.MessageFilter{Drive: &feedKey})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	query := "subject f2"
	byQuery, err := s.GetMessages(ctx, store.MessageFilter{Query: &query})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "f2", byQuery[0].FileID)
}

func TestMessageFieldsSurviveRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	drive := model.NewDrive("mail", "mailbox")

	transit := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	userDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	m := remoteMessage(drive, "f1", "t1", "o1")
	m.Recipients = []string{"bob.example", "carol.example"}
	m.AllowDistribution = true
	m.TransitCreatedAt = &transit
	m.UserDate = &userDate
	m.DeliveryStatus = map[string]model.DeliveryState{
		"bob.example":   model.DeliveryDeliveredToInbox,
		"carol.example": model.DeliveryFailed,
	}
	m.Attachments = []model.Attachment{
		{Key: "k1", ContentType: "image/png", Size: 42},
	}
	m.PreviewThumbnail = "thumb-data"

	require.NoError(t, s.UpsertMessages(ctx, []model.MessageEntity{m}))

	got, err := s.GetMessageByFileID(ctx, drive.Key(), "f1")
	require.NoError(t, err)
	assert.Equal(t, m.Recipients, got.Recipients)
	assert.True(t, got.AllowDistribution)
	require.NotNil(t, got.TransitCreatedAt)
	assert.True(t, transit.Equal(*got.TransitCreatedAt))
	require.NotNil(t, got.UserDate)
	assert.True(t, userDate.Equal(*got.UserDate))
	assert.Equal(t, model.DeliveryFailed, got.DeliveryStatus["carol.example"])
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, int64(42), got.Attachments[0].Size)
	assert.Equal(t, "thumb-data", got.PreviewThumbnail)
}

func TestCursorRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	got, err := s.GetCursor(ctx, "mail:mailbox")
	require.NoError(t, err)
	assert.Nil(t, got, "unknown drive has no cursor")

	require.NoError(t, s.SaveCursor(ctx, model.InboxCursor{
		Drive:   "mail:mailbox",
		State:   "cursor-1",
		Drained: true,
	}))

	got, err = s.GetCursor(ctx, "mail:mailbox")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cursor-1", got.State)
	assert.True(t, got.Drained)

	// Cursor advances in place.
	require.NoError(t, s.SaveCursor(ctx, model.InboxCursor{
		Drive: "mail:mailbox", State: "cursor-2", Drained: false,
	}))
	got, err = s.GetCursor(ctx, "mail:mailbox")
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", got.State)
}
