package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func recvTimeout(t *testing.T, sub *topicSubscriber) (topicMessage, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.next(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timed out waiting for message")
	}
	return msg, err
}

func TestTopicFanOutPreservesOrder(t *testing.T) {
	tp := newTopic()
	first := tp.subscribe()
	second := tp.subscribe()

	for i := 0; i < 3; i++ {
		tp.publish(topicMessage{Content: fmt.Sprintf("msg-%d", i)})
	}

	for _, sub := range []*topicSubscriber{first, second} {
		for i := 0; i < 3; i++ {
			msg, err := recvTimeout(t, sub)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
				t.Errorf("got %q, want %q", msg.Content, want)
			}
		}
	}
}

func TestTopicSubscriberStartsAtNow(t *testing.T) {
	tp := newTopic()
	tp.publish(topicMessage{Content: "before"})

	sub := tp.subscribe()
	tp.publish(topicMessage{Content: "after"})

	msg, err := recvTimeout(t, sub)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Content != "after" {
		t.Errorf("got %q, want %q; backlog must not be delivered", msg.Content, "after")
	}
}

func TestTopicPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	tp := newTopic()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			tp.publish(topicMessage{Content: "nobody home"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with zero subscribers")
	}
}

func TestTopicOverflowDropsOldestAndReportsLag(t *testing.T) {
	tp := newTopic()
	sub := tp.subscribe()

	// Five more than the buffer holds, without consuming.
	total := topicBufferSize + 5
	for i := 0; i < total; i++ {
		tp.publish(topicMessage{Content: fmt.Sprintf("msg-%d", i)})
	}

	// The overflow is reported once before newer messages flow.
	if _, err := recvTimeout(t, sub); !errors.Is(err, errSubscriberLagged) {
		t.Fatalf("got %v, want errSubscriberLagged", err)
	}

	// The oldest five were dropped; what remains is the newest bufferful,
	// still in publish order.
	for i := total - topicBufferSize; i < total; i++ {
		msg, err := recvTimeout(t, sub)
		if err != nil {
			t.Fatalf("next after lag: %v", err)
		}
		if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
			t.Errorf("got %q, want %q", msg.Content, want)
		}
	}

	// The subscriber is not stuck: it keeps receiving.
	tp.publish(topicMessage{Content: "fresh"})
	msg, err := recvTimeout(t, sub)
	if err != nil {
		t.Fatalf("next after drain: %v", err)
	}
	if msg.Content != "fresh" {
		t.Errorf("got %q, want %q", msg.Content, "fresh")
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	tp := newTopic()
	slow := tp.subscribe()
	fast := tp.subscribe()
	_ = slow // never consumes

	for i := 0; i < topicBufferSize*3; i++ {
		tp.publish(topicMessage{Content: fmt.Sprintf("msg-%d", i)})
		msg, err := recvTimeout(t, fast)
		if err != nil {
			t.Fatalf("fast subscriber next: %v", err)
		}
		if want := fmt.Sprintf("msg-%d", i); msg.Content != want {
			t.Errorf("got %q, want %q", msg.Content, want)
		}
	}
}

func TestTopicCloseUnblocksSubscribers(t *testing.T) {
	tp := newTopic()
	sub := tp.subscribe()

	result := make(chan error, 1)
	go func() {
		_, err := sub.next(context.Background())
		result <- err
	}()

	// Give the goroutine a moment to block on the empty buffer.
	time.Sleep(20 * time.Millisecond)
	tp.close()

	select {
	case err := <-result:
		if !errors.Is(err, errTopicClosed) {
			t.Errorf("got %v, want errTopicClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber still blocked after topic close")
	}
}

func TestSubscribeAfterCloseEndsImmediately(t *testing.T) {
	tp := newTopic()
	tp.close()

	sub := tp.subscribe()
	if _, err := recvTimeout(t, sub); !errors.Is(err, errTopicClosed) {
		t.Errorf("got %v, want errTopicClosed", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	tp := newTopic()
	sub := tp.subscribe()

	sub.unsubscribe()
	sub.unsubscribe()
	tp.close()

	// Publishing after the only subscriber left must not panic or block.
	tp.publish(topicMessage{Content: "noop"})
}

func TestRegistryCreateIsIdempotent(t *testing.T) {
	reg := newTopicRegistry()
	id := uuid.New()

	first := reg.create(id)
	second := reg.create(id)
	if first != second {
		t.Error("second create returned a different topic")
	}
}

func TestRegistryGetNeverCreates(t *testing.T) {
	reg := newTopicRegistry()
	if tp := reg.get(uuid.New()); tp != nil {
		t.Error("get created a topic on miss")
	}
}

func TestRegistryRemoveEndsSubscribers(t *testing.T) {
	reg := newTopicRegistry()
	id := uuid.New()
	sub := reg.create(id).subscribe()

	result := make(chan error, 1)
	go func() {
		_, err := sub.next(context.Background())
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	reg.remove(id)

	select {
	case err := <-result:
		if !errors.Is(err, errTopicClosed) {
			t.Errorf("got %v, want errTopicClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber hung after channel removal")
	}

	if tp := reg.get(id); tp != nil {
		t.Error("topic still registered after remove")
	}
}

func TestNextHonoursContextCancellation(t *testing.T) {
	tp := newTopic()
	sub := tp.subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := sub.next(ctx)
		result <- err
	}()

	cancel()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("next did not observe cancellation")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	tp := newTopic()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 500; i++ {
			tp.publish(topicMessage{Content: "x"})
		}
		close(done)
	}()

	for i := 0; i < 50; i++ {
		sub := tp.subscribe()
		sub.unsubscribe()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by subscribe churn")
	}
}
