package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	posts, unsub := b.Subscribe(4, "post.")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "task.started"})
	b.Publish(Event{Type: "post.delivered", Data: int64(1)})

	select {
	case e := <-posts:
		if e.Type != "post.delivered" {
			t.Fatalf("got %q, want post.delivered", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("publish should stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	if len(posts) != 0 {
		t.Fatalf("filtered subscriber got %d extra events", len(posts))
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "x"})
}
