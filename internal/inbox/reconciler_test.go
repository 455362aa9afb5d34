package inbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/codec"
	"github.com/nhle/courier/internal/inbox"
	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
	"github.com/nhle/courier/internal/store"
	"github.com/nhle/courier/tests/testutil"
)

var testDrive = model.NewDrive("mail", "mailbox")

func testSession() *model.Session {
	return &model.Session{
		Identity:     "alice.example",
		SharedSecret: make([]byte, 32),
		AuthToken:    "token",
	}
}

// sealedItem builds an encrypted batch item the reconciler can decode.
func sealedItem(t *testing.T, c *codec.Codec, session *model.Session, fileID, thread, origin string) provider.BatchItem {
	t.Helper()

	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e := &model.MessageEntity{
		Subject:   "subject " + fileID,
		Body:      "body",
		Sender:    "bob.example",
		OriginID:  origin,
		ThreadID:  thread,
		CreatedAt: created,
	}
	plaintext, err := c.EncodeContent(e, codec.KindMail)
	require.NoError(t, err)
	sealed, err := c.Encrypt(session.SharedSecret, plaintext)
	require.NoError(t, err)

	return provider.BatchItem{
		FileID:     fileID,
		VersionTag: "v1",
		Sender:     "bob.example",
		CreatedAt:  created,
		UpdatedAt:  created,
		Content:    sealed,
	}
}

func newReconciler(t *testing.T, client *testutil.FakeClient, batchSize int) (*inbox.Reconciler, *store.SQLiteStore, *codec.Codec, *model.Session) {
	t.Helper()
	s := testutil.NewTestStore(t)
	c := codec.New(nil)
	session := testSession()
	r := inbox.New(client, s, c, session, batchSize, zerolog.Nop())
	return r, s, c, session
}

func TestDrainLoopsUntilShortBatch(t *testing.T) {
	const batchSize = 2

	client := &testutil.FakeClient{}
	r, s, c, session := newReconciler(t, client, batchSize)

	// Two full inbox rounds then a short one; one page of results.
	inboxCounts := []int{2, 2, 1}
	client.ProcessInboxFunc = func(_ context.Context, _ model.Drive, max int) (int, error) {
		assert.Equal(t, batchSize, max)
		n := inboxCounts[0]
		inboxCounts = inboxCounts[1:]
		return n, nil
	}
	client.QueryBatchFunc = func(_ context.Context, q provider.BatchQuery) (*provider.BatchResult, error) {
		return &provider.BatchResult{
			Items: []provider.BatchItem{
				sealedItem(t, c, session, "f1", "t1", "o1"),
			},
			Cursor: "cursor-1",
		}, nil
	}

	n, err := r.Drain(context.Background(), []model.Drive{testDrive})
	require.NoError(t, err)
	assert.Equal(t, 5, n, "all inbox rounds are consumed")
	assert.Equal(t, 3, client.Processes)

	got, err := s.GetMessageByFileID(context.Background(), testDrive.Key(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "subject f1", got.Subject)
	assert.Equal(t, "bob.example", got.Sender)

	cur, err := s.GetCursor(context.Background(), testDrive.Key())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "cursor-1", cur.State)
	assert.True(t, cur.Drained)
}

func TestDrainTwiceIsIdempotent(t *testing.T) {
	client := &testutil.FakeClient{}
	r, s, c, session := newReconciler(t, client, 50)

	client.QueryBatchFunc = func(_ context.Context, q provider.BatchQuery) (*provider.BatchResult, error) {
		return &provider.BatchResult{
			Items: []provider.BatchItem{
				sealedItem(t, c, session, "f1", "t1", "o1"),
				sealedItem(t, c, session, "f2", "t1", "o1"),
			},
			Cursor: "cursor-1",
		}, nil
	}

	ctx := context.Background()
	_, err := r.Drain(ctx, []model.Drive{testDrive})
	require.NoError(t, err)
	_, err = r.Drain(ctx, []model.Drive{testDrive})
	require.NoError(t, err)

	driveKey := testDrive.Key()
	count, err := s.CountMessages(ctx, store.MessageFilter{Drive: &driveKey})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "re-draining the same backlog must not duplicate")
}

func TestConcurrentDrainsMergeEachFileOnce(t *testing.T) {
	client := &testutil.FakeClient{}
	r, s, c, session := newReconciler(t, client, 50)

	// Every query returns the same overlapping backlog page.
	page := []provider.BatchItem{
		sealedItem(t, c, session, "f1", "t1", "o1"),
		sealedItem(t, c, session, "f2", "t2", "o1"),
		sealedItem(t, c, session, "f3", "t3", "o1"),
	}
	client.QueryBatchFunc = func(_ context.Context, q provider.BatchQuery) (*provider.BatchResult, error) {
		return &provider.BatchResult{Items: page, Cursor: "cursor-1"}, nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Drain(ctx, []model.Drive{testDrive})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	driveKey := testDrive.Key()
	msgs, err := s.GetMessages(ctx, store.MessageFilter{Drive: &driveKey})
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "overlapping pages must merge each fileId exactly once")

	seen := make(map[string]bool)
	for _, m := range msgs {
		assert.False(t, seen[m.FileID])
		seen[m.FileID] = true
	}
}

func TestDrainFailureIsNonFatalAndTerminal(t *testing.T) {
	client := &testutil.FakeClient{
		ProcessInboxFunc: func(_ context.Context, _ model.Drive, _ int) (int, error) {
			return 0, errors.New("backlog unavailable")
		},
	}
	r, _, _, _ := newReconciler(t, client, 50)

	_, err := r.Drain(context.Background(), []model.Drive{testDrive})
	require.Error(t, err)
	assert.True(t, inbox.IsProcessingFailure(err))

	// Failure still counts as a terminal first drain: the push gate
	// opens, and the error is retrievable for retry decisions.
	assert.True(t, r.TerminalFor([]model.Drive{testDrive}))
	assert.Error(t, r.LastError(testDrive))

	// A later retry clears the recorded error.
	client.ProcessInboxFunc = func(_ context.Context, _ model.Drive, _ int) (int, error) {
		return 0, nil
	}
	_, err = r.Drain(context.Background(), []model.Drive{testDrive})
	require.NoError(t, err)
	assert.NoError(t, r.LastError(testDrive))
}

func TestTerminalForRequiresEveryDrive(t *testing.T) {
	client := &testutil.FakeClient{}
	r, _, _, _ := newReconciler(t, client, 50)

	other := model.NewDrive("feed", "channel")
	assert.False(t, r.TerminalFor([]model.Drive{testDrive}))

	_, err := r.Drain(context.Background(), []model.Drive{testDrive})
	require.NoError(t, err)

	assert.True(t, r.TerminalFor([]model.Drive{testDrive}))
	assert.False(t, r.TerminalFor([]model.Drive{testDrive, other}))
}

func TestUndecodableItemIsSkippedNotFatal(t *testing.T) {
	client := &testutil.FakeClient{}
	r, s, c, session := newReconciler(t, client, 50)

	client.QueryBatchFunc = func(_ context.Context, q provider.BatchQuery) (*provider.BatchResult, error) {
		return &provider.BatchResult{
			Items: []provider.BatchItem{
				{FileID: "broken", VersionTag: "v1", Content: []byte("garbage")},
				sealedItem(t, c, session, "f1", "t1", "o1"),
			},
			Cursor: "cursor-1",
		}, nil
	}

	ctx := context.Background()
	_, err := r.Drain(ctx, []model.Drive{testDrive})
	require.NoError(t, err)

	driveKey := testDrive.Key()
	count, err := s.CountMessages(ctx, store.MessageFilter{Drive: &driveKey})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
