package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewNotifier(&http.Client{Timeout: 5 * time.Second}, logger)
}

func TestSubscribeRejectsRelativeEndpoint(t *testing.T) {
	notifier := newTestNotifier(t)

	if err := notifier.Subscribe("/webhook"); err == nil {
		t.Fatal("expected relative endpoint to be rejected")
	}
	if err := notifier.Subscribe("http://hooks.local/notify"); err != nil {
		t.Fatalf("absolute endpoint rejected: %v", err)
	}
	if notifier.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", notifier.Subscribers())
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	notifier := newTestNotifier(t)

	for i := 0; i < 3; i++ {
		if err := notifier.Subscribe("http://hooks.local/notify"); err != nil {
			t.Fatalf("subscribe error: %v", err)
		}
	}
	if notifier.Subscribers() != 1 {
		t.Fatalf("duplicate subscribe should not grow the table, got %d", notifier.Subscribers())
	}
}

func TestPublishDeliversWithDefaultActions(t *testing.T) {
	var mu sync.Mutex
	var received []Notification
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	notifier := newTestNotifier(t)
	if err := notifier.Subscribe(hook.URL); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	delivered := notifier.Publish(context.Background(), Notification{Title: "更新提示", Body: "new content available"})
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(received))
	}
	if received[0].Title != "更新提示" {
		t.Fatalf("title mismatch: %s", received[0].Title)
	}
	if len(received[0].Actions) != 2 || received[0].Actions[0] != "open" || received[0].Actions[1] != "close" {
		t.Fatalf("expected default open/close actions, got %v", received[0].Actions)
	}
}

func TestPublishSkipsFailingSubscriber(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	notifier := newTestNotifier(t)
	if err := notifier.Subscribe(good.URL); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	if err := notifier.Subscribe(bad.URL); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	delivered := notifier.Publish(context.Background(), Notification{Title: "t", Body: "b"})
	if delivered != 1 {
		t.Fatalf("expected delivery to survive one failing subscriber, got %d", delivered)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	notifier := newTestNotifier(t)
	if delivered := notifier.Publish(context.Background(), Notification{Title: "t", Body: "b"}); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %d", delivered)
	}
}
