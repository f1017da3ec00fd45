package main

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// topicBufferSize bounds how many undelivered messages a single subscriber
// may have outstanding before the topic starts dropping its oldest.
const topicBufferSize = 15

var (
	// errTopicClosed ends a subscriber's stream: the channel behind the
	// topic was deleted.
	errTopicClosed = errors.New("topic closed")

	// errSubscriberLagged tells a subscriber it missed messages because it
	// consumed slower than the publish rate. Consumption can continue.
	errSubscriberLagged = errors.New("subscriber lagged")
)

type topicMessage struct {
	Author  string
	Content string
}

// topic is the live fan-out object for one channel. Every subscriber owns
// an individual bounded buffer; publish never blocks on a slow reader.
type topic struct {
	mu     sync.Mutex
	subs   map[*topicSubscriber]struct{}
	closed bool
}

// topicSubscriber is one client's read cursor into a topic. It starts at
// "now": messages published before subscribe are never delivered.
type topicSubscriber struct {
	t  *topic
	ch chan topicMessage

	mu     sync.Mutex
	missed int
}

func newTopic() *topic {
	return &topic{subs: make(map[*topicSubscriber]struct{})}
}

// publish fans the message out to every attached subscriber. Zero
// subscribers is a normal outcome, not an error. If a subscriber's buffer
// is full, its oldest undelivered message is dropped to admit the new one
// and the loss is recorded on that subscriber alone.
func (t *topic) publish(msg topicMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	for sub := range t.subs {
		sub.offer(msg)
	}
}

func (t *topic) subscribe() *topicSubscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &topicSubscriber{
		t:  t,
		ch: make(chan topicMessage, topicBufferSize),
	}
	if t.closed {
		// Late subscribe on a dying topic: hand back an already-ended
		// cursor so the caller observes errTopicClosed on first receive.
		close(sub.ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	return sub
}

// close detaches and ends every subscriber. Blocked receivers wake up with
// errTopicClosed rather than hanging.
func (t *topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		delete(t.subs, sub)
		close(sub.ch)
	}
}

// offer is called with t.mu held. Buffer full: drop the subscriber's
// oldest message, count the loss, then admit the new one.
func (s *topicSubscriber) offer(msg topicMessage) {
	select {
	case s.ch <- msg:
		return
	default:
	}

	select {
	case <-s.ch:
		s.mu.Lock()
		s.missed++
		s.mu.Unlock()
	default:
	}

	select {
	case s.ch <- msg:
	default:
	}
}

// next blocks until a message arrives, the context is cancelled, or the
// topic closes. A pending overflow is reported once as errSubscriberLagged
// before newer messages are handed out, so the caller can decide whether
// losing messages ends its stream.
func (s *topicSubscriber) next(ctx context.Context) (topicMessage, error) {
	s.mu.Lock()
	if s.missed > 0 {
		s.missed = 0
		s.mu.Unlock()
		return topicMessage{}, errSubscriberLagged
	}
	s.mu.Unlock()

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return topicMessage{}, errTopicClosed
		}
		return msg, nil
	case <-ctx.Done():
		return topicMessage{}, ctx.Err()
	}
}

// unsubscribe releases the cursor. Safe to call more than once and after
// the topic has closed.
func (s *topicSubscriber) unsubscribe() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if _, ok := s.t.subs[s]; ok {
		delete(s.t.subs, s)
		close(s.ch)
	}
}

// topicRegistry owns the channel-id to topic mapping for the whole
// process. It is seeded from storage at boot and kept in sync by the
// channel create/delete handlers; reads vastly outnumber mutations.
type topicRegistry struct {
	mu     sync.RWMutex
	topics map[uuid.UUID]*topic
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{topics: make(map[uuid.UUID]*topic)}
}

// get never creates on miss. A missing topic for a channel that exists in
// storage means the registry fell out of sync, which callers surface as an
// internal failure instead of papering over it.
func (r *topicRegistry) get(channelID uuid.UUID) *topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[channelID]
}

// create registers a topic for the channel. Idempotent: a second create
// for the same id returns the existing topic, which keeps startup
// reconciliation and the channel-create handler from tripping over each
// other.
func (r *topicRegistry) create(channelID uuid.UUID) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topics[channelID]; ok {
		return t
	}
	t := newTopic()
	r.topics[channelID] = t
	return t
}

// remove drops the topic and ends all of its subscribers.
func (r *topicRegistry) remove(channelID uuid.UUID) {
	r.mu.Lock()
	t, ok := r.topics[channelID]
	if ok {
		delete(r.topics, channelID)
	}
	r.mu.Unlock()

	if ok {
		t.close()
	}
}
