package platform

import (
	"context"
	"errors"
	"testing"
)

type stubNotifier struct {
	posts   []string
	cancels []string
	err     error
}

func (s *stubNotifier) Post(_ context.Context, n Notification) error {
	s.posts = append(s.posts, n.ID)
	return s.err
}

func (s *stubNotifier) Cancel(_ context.Context, id string) error {
	s.cancels = append(s.cancels, id)
	return s.err
}

func TestMultiNotifier_FailureIsolated(t *testing.T) {
	failing := &stubNotifier{err: errors.New("relay down")}
	local := &stubNotifier{}
	m := NewMultiNotifier([]string{"fcm", "local"}, map[string]Notifier{
		"fcm":   failing,
		"local": local,
	})

	err := m.Post(context.Background(), Notification{ID: "n1"})
	if err == nil {
		t.Fatal("expected joined error from failing relay")
	}
	if !errors.Is(err, failing.err) {
		t.Errorf("error %v does not wrap relay error", err)
	}
	if len(local.posts) != 1 || local.posts[0] != "n1" {
		t.Errorf("local posts = %v, want [n1]", local.posts)
	}

	_ = m.Cancel(context.Background(), "n1")
	if len(local.cancels) != 1 || len(failing.cancels) != 1 {
		t.Errorf("cancels = %v / %v, want one each", local.cancels, failing.cancels)
	}
}

func TestMultiNotifier_SkipsUnknownNames(t *testing.T) {
	local := &stubNotifier{}
	m := NewMultiNotifier([]string{"missing", "local"}, map[string]Notifier{"local": local})

	if err := m.Post(context.Background(), Notification{ID: "n1"}); err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if len(local.posts) != 1 {
		t.Errorf("local posts = %v", local.posts)
	}
}
