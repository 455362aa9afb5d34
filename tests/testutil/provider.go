package testutil

import (
	"context"
	"sync"

	"github.com/nhle/courier/internal/model"
	"github.com/nhle/courier/internal/provider"
)

// FakeClient is a scriptable provider.Client for tests. Set the
// function fields to control each call; unset fields return zero
// values.
type FakeClient struct {
	mu sync.Mutex

	UploadFunc       func(ctx context.Context, instr provider.Instruction, meta provider.Metadata, parts []provider.FilePart) (*provider.UploadResult, error)
	QueryBatchFunc   func(ctx context.Context, q provider.BatchQuery) (*provider.BatchResult, error)
	ProcessInboxFunc func(ctx context.Context, drive model.Drive, maxRecords int) (int, error)
	SubscribeFunc    func(ctx context.Context, drives []model.Drive, kinds []provider.NotificationType) (provider.Stream, error)

	// Call counters for assertions.
	Uploads    int
	Queries    int
	Processes  int
	Subscribes int
}

func (f *FakeClient) Upload(
	ctx context.Context,
	instr provider.Instruction,
	meta provider.Metadata,
	parts []provider.FilePart,
) (*provider.UploadResult, error) {
	f.mu.Lock()
	f.Uploads++
	fn := f.UploadFunc
	f.mu.Unlock()

	if fn == nil {
		return &provider.UploadResult{}, nil
	}
	return fn(ctx, instr, meta, parts)
}

func (f *FakeClient) QueryBatch(
	ctx context.Context,
	q provider.BatchQuery,
) (*provider.BatchResult, error) {
	f.mu.Lock()
	f.Queries++
	fn := f.QueryBatchFunc
	f.mu.Unlock()

	if fn == nil {
		return &provider.BatchResult{}, nil
	}
	return fn(ctx, q)
}

func (f *FakeClient) ProcessInbox(
	ctx context.Context,
	drive model.Drive,
	maxRecords int,
) (int, error) {
	f.mu.Lock()
	f.Processes++
	fn := f.ProcessInboxFunc
	f.mu.Unlock()

	if fn == nil {
		return 0, nil
	}
	return fn(ctx, drive, maxRecords)
}

func (f *FakeClient) Subscribe(
	ctx context.Context,
	drives []model.Drive,
	kinds []provider.NotificationType,
) (provider.Stream, error) {
	f.mu.Lock()
	f.Subscribes++
	fn := f.SubscribeFunc
	f.mu.Unlock()

	if fn == nil {
		return NewFakeStream(), nil
	}
	return fn(ctx, drives, kinds)
}

// FakeStream is an in-memory push channel for tests.
type FakeStream struct {
	mu     sync.Mutex
	events chan provider.Notification
	err    error
	closed bool
}

// NewFakeStream creates an open fake push stream.
func NewFakeStream() *FakeStream {
	return &FakeStream{events: make(chan provider.Notification, 16)}
}

func (s *FakeStream) Events() <-chan provider.Notification { return s.events }

func (s *FakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Emit delivers one notification to the subscriber.
func (s *FakeStream) Emit(n provider.Notification) {
	s.events <- n
}

// Drop simulates a connection drop with the given terminal error.
func (s *FakeStream) Drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}
