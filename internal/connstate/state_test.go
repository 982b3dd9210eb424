package connstate

import (
	"errors"
	"testing"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

type fakeSender struct {
	sent    []any
	failNow bool
	closed  bool
}

func (f *fakeSender) WriteJSON(v any) error {
	if f.failNow {
		return errors.New("write failed")
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func TestSendMarksNotOkOnFailure(t *testing.T) {
	sender := &fakeSender{}
	s := New("c1", domain.AppKey("K"), sender)

	if err := s.Send(map[string]string{"a": "b"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !s.OK() {
		t.Fatalf("expected connection still ok after successful send")
	}

	sender.failNow = true
	if err := s.Send(map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected send failure")
	}
	if s.OK() {
		t.Fatalf("expected connection marked not-ok after send failure")
	}

	if err := s.Send(map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected subsequent sends to short-circuit")
	}
}

func TestNonceSingleUse(t *testing.T) {
	s := New("c1", domain.AppKey("K"), &fakeSender{})

	nonce, err := s.IssueNonce("pub")
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	if len(nonce) == 0 {
		t.Fatalf("expected non-empty nonce")
	}

	got, role, ok := s.ConsumeNonce()
	if !ok || string(got) != string(nonce) || role != "pub" {
		t.Fatalf("expected first ConsumeNonce to succeed with the issued nonce and role")
	}

	if _, _, ok := s.ConsumeNonce(); ok {
		t.Fatalf("expected second ConsumeNonce without a new handshake to fail")
	}
}

func TestSubscriptionUniqueness(t *testing.T) {
	s := New("c1", domain.AppKey("K"), &fakeSender{})

	h := &SubscriptionHandle{SubscriptionID: "s1", Channel: "c"}
	if err := s.AddSubscription(h); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	if err := s.AddSubscription(&SubscriptionHandle{SubscriptionID: "s1", Channel: "c"}); !errors.Is(err, domain.ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}

	if _, err := s.RemoveSubscription("s1"); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}

	if _, err := s.RemoveSubscription("s1"); !errors.Is(err, domain.ErrUnknownSubscription) {
		t.Fatalf("expected ErrUnknownSubscription on repeat unsubscribe, got %v", err)
	}
}

func TestRemoveSubscriptionCancelsHandle(t *testing.T) {
	s := New("c1", domain.AppKey("K"), &fakeSender{})

	cancelled := false
	h := &SubscriptionHandle{
		SubscriptionID: "s1",
		Cancel:         func() { cancelled = true },
	}
	if err := s.AddSubscription(h); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	if _, err := s.RemoveSubscription("s1"); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected handle's Cancel to be invoked on removal")
	}
}

func TestTeardownSubscriptionsCancelsAll(t *testing.T) {
	s := New("c1", domain.AppKey("K"), &fakeSender{})

	var cancelledCount int
	for _, id := range []string{"a", "b", "c"} {
		id := id
		_ = s.AddSubscription(&SubscriptionHandle{
			SubscriptionID: id,
			Cancel:         func() { cancelledCount++ },
		})
	}

	s.TeardownSubscriptions()
	if cancelledCount != 3 {
		t.Fatalf("expected all 3 handles cancelled, got %d", cancelledCount)
	}
	if len(s.Subscriptions()) != 0 {
		t.Fatalf("expected no subscriptions to remain after teardown")
	}
}

func TestCloseMarksNotOkAndClosesTransport(t *testing.T) {
	sender := &fakeSender{}
	s := New("c1", domain.AppKey("K"), sender)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.OK() {
		t.Fatalf("expected connection not-ok after Close")
	}
	if !sender.closed {
		t.Fatalf("expected underlying transport to be closed")
	}
}
