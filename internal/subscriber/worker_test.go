package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	reads    [][]domain.StreamEntry // successive BlockingRead results, consumed in order
	readErrs []error
	call     int

	dedicatedCalls int
	releaseCalls   int
}

func (f *fakeBackend) Append(context.Context, string, string, []byte, int64) (domain.StreamCursor, error) {
	return "", nil
}
func (f *fakeBackend) RevRange(context.Context, string, domain.StreamCursor, domain.StreamCursor, int) ([]domain.StreamEntry, error) {
	return nil, nil
}

func (f *fakeBackend) BlockingRead(ctx context.Context, positions map[string]domain.StreamCursor) (map[string][]domain.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.call >= len(f.reads) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	idx := f.call
	f.call++

	if f.readErrs != nil && f.readErrs[idx] != nil {
		return nil, f.readErrs[idx]
	}
	for stream := range positions {
		if len(f.reads[idx]) == 0 {
			return map[string][]domain.StreamEntry{}, nil
		}
		return map[string][]domain.StreamEntry{stream: f.reads[idx]}, nil
	}
	return nil, nil
}

func (f *fakeBackend) Delete(context.Context, string) error        { return nil }
func (f *fakeBackend) Exists(context.Context, string) (bool, error) { return false, nil }
func (f *fakeBackend) Ping(context.Context) error                  { return nil }

func (f *fakeBackend) Dedicated(context.Context) (domain.Backend, func(), error) {
	f.mu.Lock()
	f.dedicatedCalls++
	f.mu.Unlock()
	return f, func() {
		f.mu.Lock()
		f.releaseCalls++
		f.mu.Unlock()
	}, nil
}

func (f *fakeBackend) ClusterNodes(context.Context) ([]domain.NodeInfo, error) { return nil, nil }
func (f *fakeBackend) ClusterSlots(context.Context) ([]domain.NodeInfo, error) { return nil, nil }
func (f *fakeBackend) ClusterSetSlot(context.Context, domain.NodeInfo, int, string, string) error {
	return nil
}
func (f *fakeBackend) ClusterGetKeysInSlot(context.Context, domain.NodeInfo, int, int) ([]string, error) {
	return nil, nil
}
func (f *fakeBackend) Migrate(context.Context, domain.NodeInfo, string, int, int, []string) error {
	return nil
}

var _ domain.Backend = (*fakeBackend)(nil)

type fakeSender struct {
	mu   sync.Mutex
	sent []any
}

func (s *fakeSender) Send(resp any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, resp)
	return nil
}

func (s *fakeSender) frames() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeMetrics struct{ backendErrors int }

func (m *fakeMetrics) ConnectionOpened()               {}
func (m *fakeMetrics) ConnectionClosed()               {}
func (m *fakeMetrics) SubscriptionOpened()             {}
func (m *fakeMetrics) SubscriptionClosed()             {}
func (m *fakeMetrics) MessagePublished(string, int)    {}
func (m *fakeMetrics) MessageWritten(string, int)      {}
func (m *fakeMetrics) BackendError(string)             { m.backendErrors++ }

func TestWorkerDeliversBatchedEntries(t *testing.T) {
	be := &fakeBackend{
		reads: [][]domain.StreamEntry{
			{{Cursor: "1-0", JSON: []byte(`{"a":1}`)}, {Cursor: "2-0", JSON: []byte(`{"a":2}`)}},
		},
	}
	sender := &fakeSender{}
	metrics := &fakeMetrics{}

	w := New(Config{
		Stream:         "app::chan",
		SubscriptionID: "sub-1",
		Position:       domain.Newest,
		BatchSize:      2,
		Backend:        be,
		Metrics:        metrics,
		Sender:         sender,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	frames := sender.frames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly 1 batched frame, got %d", len(frames))
	}
	frame, ok := frames[0].(struct {
		Action string `json:"action"`
		Body   Frame  `json:"body"`
	})
	if !ok {
		t.Fatalf("unexpected frame type %T", frames[0])
	}
	if frame.Action != "rtm/subscription/data" {
		t.Fatalf("unexpected action %q", frame.Action)
	}
	if len(frame.Body.Messages) != 2 {
		t.Fatalf("expected 2 messages in batch, got %d", len(frame.Body.Messages))
	}
	if frame.Body.Position != "2-0" {
		t.Fatalf("expected cursor to advance to 2-0, got %s", frame.Body.Position)
	}

	if be.dedicatedCalls != 1 || be.releaseCalls != 1 {
		t.Fatalf("expected exactly one dedicated/release pair, got %d/%d", be.dedicatedCalls, be.releaseCalls)
	}
}

func TestWorkerAdvancesCursorPastDecodeFailure(t *testing.T) {
	be := &fakeBackend{
		reads: [][]domain.StreamEntry{
			{{Cursor: "1-0", JSON: []byte(`not json`)}, {Cursor: "2-0", JSON: []byte(`{"a":1}`)}},
		},
	}
	sender := &fakeSender{}
	metrics := &fakeMetrics{}

	w := New(Config{
		Stream:         "app::chan",
		SubscriptionID: "sub-1",
		Position:       domain.Newest,
		BatchSize:      1,
		Backend:        be,
		Metrics:        metrics,
		Sender:         sender,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if w.cursor != "2-0" {
		t.Fatalf("expected cursor to advance past the bad entry to 2-0, got %s", w.cursor)
	}

	frames := sender.frames()
	if len(frames) != 2 {
		t.Fatalf("expected an error frame plus a data frame, got %d", len(frames))
	}
}

func TestWorkerStopsOnNonTransientBackendError(t *testing.T) {
	be := &fakeBackend{
		reads:    [][]domain.StreamEntry{nil},
		readErrs: []error{errors.New("permanent failure")},
	}
	sender := &fakeSender{}
	metrics := &fakeMetrics{}

	w := New(Config{
		Stream:         "app::chan",
		SubscriptionID: "sub-1",
		Position:       domain.Newest,
		Backend:        be,
		Metrics:        metrics,
		Sender:         sender,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatalf("expected Run to return the permanent backend error")
	}
	if metrics.backendErrors != 1 {
		t.Fatalf("expected one backend error counted, got %d", metrics.backendErrors)
	}
	if be.releaseCalls != 1 {
		t.Fatalf("expected dedicated connection released on failure, got %d releases", be.releaseCalls)
	}
}

func TestWorkerReconnectsOnTransientBackendError(t *testing.T) {
	be := &fakeBackend{
		reads: [][]domain.StreamEntry{
			nil,
			{{Cursor: "1-0", JSON: []byte(`{"a":1}`)}},
		},
		readErrs: []error{domain.ErrBackendUnavailable, nil},
	}
	sender := &fakeSender{}
	metrics := &fakeMetrics{}

	w := New(Config{
		Stream:         "app::chan",
		SubscriptionID: "sub-1",
		Position:       domain.Newest,
		Backend:        be,
		Metrics:        metrics,
		Sender:         sender,
		ReconnectSleep: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if be.dedicatedCalls != 2 {
		t.Fatalf("expected a fresh dedicated connection after the transient failure, got %d calls", be.dedicatedCalls)
	}
	if len(sender.frames()) != 1 {
		t.Fatalf("expected the entry after reconnect to be delivered, got %d frames", len(sender.frames()))
	}
}
