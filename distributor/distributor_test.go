package distributor

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	d := New(10, nil)
	s1 := d.Subscribe("one")
	s2 := d.Subscribe("two")

	data := []byte("hello")
	if n := d.Publish(data); n != 2 {
		t.Fatalf("Publish returned %d subscribers, want 2", n)
	}

	ctx := context.Background()
	f1, err := s1.Recv(ctx)
	if err != nil {
		t.Fatalf("s1.Recv: %v", err)
	}
	f2, err := s2.Recv(ctx)
	if err != nil {
		t.Fatalf("s2.Recv: %v", err)
	}

	if &f1.Data[0] != &f2.Data[0] {
		t.Error("both subscribers should see the same backing array (zero-copy)")
	}
	if f1.RefCount() != 2 {
		t.Errorf("refcount = %d, want 2 (one per subscriber)", f1.RefCount())
	}

	f1.Release()
	f2.Release()
	if f1.RefCount() != 0 {
		t.Errorf("refcount after both releases = %d, want 0", f1.RefCount())
	}
}

func TestPublishWithNoSubscribersCountsAsDropped(t *testing.T) {
	d := New(10, nil)
	if n := d.Publish([]byte("x")); n != 0 {
		t.Errorf("Publish returned %d, want 0", n)
	}
	stats := d.Stats()
	if stats.FramesDropped != 1 {
		t.Errorf("FramesDropped = %d, want 1", stats.FramesDropped)
	}
	if stats.FramesSent != 0 {
		t.Errorf("FramesSent = %d, want 0", stats.FramesSent)
	}
}

func TestSlowSubscriberLags(t *testing.T) {
	d := New(3, nil)
	slow := d.Subscribe("slow")

	for i := 0; i < 10; i++ {
		d.Publish([]byte{byte(i)})
	}

	ctx := context.Background()
	_, err := slow.Recv(ctx)
	lagErr, ok := err.(*LaggedError)
	if !ok {
		t.Fatalf("got %v (%T), want *LaggedError", err, err)
	}
	if lagErr.N == 0 {
		t.Error("lagged count should be > 0")
	}

	// After snapping forward, the next Recv should succeed and return
	// the oldest still-retained frame.
	f, err := slow.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv after lag snap: %v", err)
	}
	if f.Data[0] != 7 { // capacity 3, 10 published -> oldest retained is seq 7.
		t.Errorf("got frame %d, want frame 7 (oldest retained)", f.Data[0])
	}
}

func TestRecvBlocksUntilPublish(t *testing.T) {
	d := New(10, nil)
	s := d.Subscribe("one")

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = s.Recv(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Recv returned before any frame was published")
	case <-time.After(20 * time.Millisecond):
	}

	d.Publish([]byte("late"))

	select {
	case <-done:
		if gotErr != nil {
			t.Fatalf("Recv: %v", gotErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Publish")
	}
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	d := New(10, nil)
	s := d.Subscribe("one")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Recv(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestCloseDrainsThenReturnsErrClosed(t *testing.T) {
	d := New(10, nil)
	s := d.Subscribe("one")
	d.Publish([]byte("a"))
	d.Close()

	ctx := context.Background()
	f, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv before drain: %v", err)
	}
	f.Release()

	if _, err := s.Recv(ctx); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestStatsReflectSubscriberCount(t *testing.T) {
	d := New(5, nil)
	d.Subscribe("one")
	d.Subscribe("two")

	stats := d.Stats()
	if stats.Subscribers != 2 {
		t.Errorf("Subscribers = %d, want 2", stats.Subscribers)
	}
	if stats.Capacity != 5 {
		t.Errorf("Capacity = %d, want 5", stats.Capacity)
	}
}
