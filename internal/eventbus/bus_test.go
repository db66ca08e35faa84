package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Legich55555/mp710Ctrl/internal/device"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []uint8
	b.Subscribe(EventTypeChange, func(e Event) {
		mu.Lock()
		got = append(got, e.Command.Param)
		mu.Unlock()
	})

	for i := uint8(0); i < 50; i++ {
		b.Publish(ChangeEvent(true, device.Command{Type: device.SetBrightness, ChannelIdx: 1, Param: i}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("delivered %d events, want 50", len(got))
	}
	for i, v := range got {
		if v != uint8(i) {
			t.Fatalf("event %d has param %d, out of order", i, v)
		}
	}
}

func TestBus_RoutesByType(t *testing.T) {
	b := New()

	changes := make(chan Event, 1)
	transitions := make(chan Event, 1)
	b.Subscribe(EventTypeChange, func(e Event) { changes <- e })
	b.Subscribe(EventTypeTransition, func(e Event) { transitions <- e })

	b.Publish(TransitionEvent("sunrise", time.Minute, "test"))

	select {
	case e := <-transitions:
		if e.Transition != "sunrise" || e.Duration != time.Minute || e.Source != "test" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("transition event not delivered")
	}

	select {
	case e := <-changes:
		t.Errorf("change handler received %+v", e)
	case <-time.After(20 * time.Millisecond):
	}

	b.Close(context.Background())
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewWithConfig(1, 1)

	release := make(chan struct{})
	var mu sync.Mutex
	count := 0
	b.Subscribe(EventTypeChange, func(e Event) {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Publish(ChangeEvent(true, device.Command{}))
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	if count >= 10 || count == 0 {
		t.Errorf("handled %d events, expected some to be dropped", count)
	}
}

func TestBus_PanicDoesNotStopWorker(t *testing.T) {
	b := New()

	done := make(chan struct{})
	b.Subscribe(EventTypeChange, func(e Event) {
		if e.Command.Param == 0 {
			panic("boom")
		}
		close(done)
	})

	b.Publish(ChangeEvent(true, device.Command{Param: 0}))
	b.Publish(ChangeEvent(true, device.Command{Param: 1}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after panic")
	}
	b.Close(context.Background())
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New()
	b.Subscribe(EventTypeChange, func(Event) {})
	b.Close(context.Background())
	b.Close(context.Background())

	b.Publish(ChangeEvent(true, device.Command{}))
}
