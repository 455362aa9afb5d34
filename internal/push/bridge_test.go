package push_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/codec"
	"github.com/nhle/courier/internal/inbox"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
	"github.com/nhle/courier/internal/push"
	"github.com/nhle/courier/tests/testutil"
)

var (
	mailDrive = model.NewDrive("mail", "mailbox")
	feedDrive = model.NewDrive("feed", "channel")
)

func newBridge(t *testing.T, client *testutil.FakeClient) (*push.Bridge, *inbox.Reconciler) {
	t.Helper()
	s := testutil.NewTestStore(t)
	session := &model.Session{
		Identity:     "alice.example",
		SharedSecret: make([]byte, 32),
		AuthToken:    "token",
	}
	rec := inbox.New(client, s, codec.New(nil), session, 50, zerolog.Nop())
	return push.New(client, rec, zerolog.Nop()), rec
}

func fileAdded(d model.Drive, fileID string) provider.Notification {
	return provider.Notification{
		Type:        provider.NoteFileAdded,
		TargetDrive: d,
		Header:      provider.NotificationHeader{FileID: fileID},
	}
}

func TestEnableIsGatedOnFirstDrain(t *testing.T) {
	client := &testutil.FakeClient{}
	b, rec := newBridge(t, client)
	ctx := context.Background()
	drives := []model.Drive{mailDrive}

	_, err := b.Enable(ctx, drives, nil)
	assert.ErrorIs(t, err, push.ErrInboxNotDrained)

	_, err = rec.Drain(ctx, drives)
	require.NoError(t, err)

	sub, err := b.Enable(ctx, drives, nil)
	require.NoError(t, err)
	assert.True(t, sub.Online())

	_, err = b.Enable(ctx, drives, nil)
	assert.ErrorIs(t, err, push.ErrAlreadyEnabled)

	b.Disable()
}

func TestEnableWrapsSubscribeFailure(t *testing.T) {
	client := &testutil.FakeClient{
		SubscribeFunc: func(context.Context, []model.Drive, []provider.NotificationType) (provider.Stream, error) {
			return nil, errors.New("channel unavailable")
		},
	}
	b, rec := newBridge(t, client)
	ctx := context.Background()
	drives := []model.Drive{mailDrive}

	_, err := rec.Drain(ctx, drives)
	require.NoError(t, err)

	_, err = b.Enable(ctx, drives, nil)
	require.Error(t, err)
	assert.True(t, push.IsSubscriptionFailure(err))
}

func TestNotificationTriggersTargetedRefresh(t *testing.T) {
	stream := testutil.NewFakeStream()
	refreshed := make(chan string, 8)

	client := &testutil.FakeClient{
		SubscribeFunc: func(context.Context, []model.Drive, []provider.NotificationType) (provider.Stream, error) {
			return stream, nil
		},
	}
	b, rec := newBridge(t, client)
	ctx := context.Background()
	drives := []model.Drive{mailDrive}

	_, err := rec.Drain(ctx, drives)
	require.NoError(t, err)

	// Record refreshes only after the subscription is live.
	client.QueryBatchFunc = func(_ context.Context, q provider.BatchQuery) (*provider.BatchResult, error) {
		refreshed <- q.Drive.Key()
		return &provider.BatchResult{}, nil
	}

	_, err = b.Enable(ctx, drives, []provider.NotificationType{provider.NoteFileAdded})
	require.NoError(t, err)
	defer b.Disable()

	// An event for an unsubscribed drive is dropped; a non-matching
	// kind is dropped; a matching one refreshes exactly its drive.
	stream.Emit(fileAdded(feedDrive, "f9"))
	stream.Emit(provider.Notification{Type: provider.NoteFileModified, TargetDrive: mailDrive})
	stream.Emit(fileAdded(mailDrive, "f1"))

	select {
	case drive := <-refreshed:
		assert.Equal(t, mailDrive.Key(), drive)
	case <-time.After(2 * time.Second):
		t.Fatal("matching notification never triggered a refresh")
	}

	// Nothing else queued: the first two events caused no refresh.
	select {
	case drive := <-refreshed:
		t.Fatalf("unexpected refresh for drive %s", drive)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectDrainsBeforeResuming(t *testing.T) {
	first := testutil.NewFakeStream()
	second := testutil.NewFakeStream()
	streams := make(chan provider.Stream, 2)
	streams <- first
	streams <- second

	drained := make(chan struct{}, 8)

	client := &testutil.FakeClient{
		SubscribeFunc: func(context.Context, []model.Drive, []provider.NotificationType) (provider.Stream, error) {
			return <-streams, nil
		},
	}
	b, rec := newBridge(t, client)
	ctx := context.Background()
	drives := []model.Drive{mailDrive}

	_, err := rec.Drain(ctx, drives)
	require.NoError(t, err)

	client.ProcessInboxFunc = func(context.Context, model.Drive, int) (int, error) {
		drained <- struct{}{}
		return 0, nil
	}

	sub, err := b.Enable(ctx, drives, nil)
	require.NoError(t, err)
	defer b.Disable()

	first.Drop(errors.New("connection reset"))

	// The reconnect drains the subscribed drives before going back
	// online, recovering anything that arrived while disconnected.
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never drained the inbox")
	}

	require.Eventually(t, sub.Online, 2*time.Second, 10*time.Millisecond)
}

func TestDisableIsSynchronous(t *testing.T) {
	stream := testutil.NewFakeStream()
	refreshed := make(chan string, 8)

	subscribed := false
	client := &testutil.FakeClient{
		SubscribeFunc: func(context.Context, []model.Drive, []provider.NotificationType) (provider.Stream, error) {
			if subscribed {
				return testutil.NewFakeStream(), nil
			}
			subscribed = true
			return stream, nil
		},
	}
	b, rec := newBridge(t, client)
	ctx := context.Background()
	drives := []model.Drive{mailDrive}

	_, err := rec.Drain(ctx, drives)
	require.NoError(t, err)

	client.QueryBatchFunc = func(_ context.Context, q provider.BatchQuery) (*provider.BatchResult, error) {
		refreshed <- q.Drive.Key()
		return &provider.BatchResult{}, nil
	}

	sub, err := b.Enable(ctx, drives, nil)
	require.NoError(t, err)

	b.Disable()
	assert.False(t, sub.Online())

	// A notification arriving after Disable returned must not mutate
	// local state.
	stream.Emit(fileAdded(mailDrive, "late"))
	select {
	case <-refreshed:
		t.Fatal("notification handled after Disable returned")
	case <-time.After(100 * time.Millisecond):
	}

	// Disabling again is a no-op, and the channel can be re-enabled.
	b.Disable()
	_, err = b.Enable(ctx, drives, nil)
	require.NoError(t, err)
	b.Disable()
}
