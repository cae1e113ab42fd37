package engine

import (
	"github.com/oklog/ulid/v2"
)

// Message is one published pub/sub message as seen by a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// channelHub is the fan-out endpoint for one channel name. It exists
// while at least one subscriber is attached; the registry drops it when
// the last subscriber detaches, so a missing hub is equivalent to zero
// subscribers.
type channelHub struct {
	subscribers map[string]*Subscription
}

// Subscription is one connection's live handle into the pub/sub
// registry. Messages for every channel the subscription is attached to
// arrive on a single bounded queue, in publish order per channel.
//
// Overflow policy: when the queue is full, the oldest queued message is
// dropped to admit the new one. The publisher is never blocked and the
// drop is not surfaced as an error.
type Subscription struct {
	id       string
	engine   *Engine
	msgs     chan Message
	channels map[string]struct{}
}

// Publish delivers payload to every live subscriber of channel and
// returns the number of subscribers notified. Publishing to a channel
// with no subscribers is a no-op that reports zero.
func (e *Engine) Publish(channel string, payload []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	hub, ok := e.channels[channel]
	if !ok {
		return 0
	}

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range hub.subscribers {
		sub.deliver(msg)
		if e.metricsPublished != nil {
			e.metricsPublished.Inc()
		}
	}
	return len(hub.subscribers)
}

// Subscribe creates a subscription handle attached to the given
// channels, creating channel entries lazily. The caller must Close the
// handle when the connection ends.
func (e *Engine) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{
		id:       ulid.Make().String(),
		engine:   e,
		msgs:     make(chan Message, e.subBuffer),
		channels: make(map[string]struct{}),
	}
	sub.Subscribe(channels...)
	return sub
}

// deliver enqueues msg, dropping the oldest queued message when the
// queue is full. Only publishers holding the engine lock send on msgs,
// so the drain-then-send below cannot race with another sender.
func (s *Subscription) deliver(msg Message) {
	select {
	case s.msgs <- msg:
		return
	default:
	}

	select {
	case <-s.msgs:
		if s.engine.metricsDropped != nil {
			s.engine.metricsDropped.Inc()
		}
	default:
	}
	select {
	case s.msgs <- msg:
	default:
	}
}

// ID returns the subscription's unique identifier, used in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Messages returns the subscriber's receive queue.
func (s *Subscription) Messages() <-chan Message {
	return s.msgs
}

// Count returns the number of channels currently subscribed.
func (s *Subscription) Count() int {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(s.channels)
}

// Channels returns the names of the channels currently subscribed.
func (s *Subscription) Channels() []string {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Ack reports one subscribe or unsubscribe step: the channel acted on
// and the subscription count after the step. The dispatcher turns each
// Ack into one acknowledgement frame.
type Ack struct {
	Channel string
	Count   int
}

// Subscribe attaches the handle to the named channels. Channels already
// subscribed are left as-is. Acks are returned in argument order.
func (s *Subscription) Subscribe(channels ...string) []Ack {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	acks := make([]Ack, 0, len(channels))
	for _, ch := range channels {
		if _, ok := s.channels[ch]; !ok {
			hub, ok := e.channels[ch]
			if !ok {
				hub = &channelHub{subscribers: make(map[string]*Subscription)}
				e.channels[ch] = hub
			}
			hub.subscribers[s.id] = s
			s.channels[ch] = struct{}{}
		}
		acks = append(acks, Ack{Channel: ch, Count: len(s.channels)})
	}
	return acks
}

// Unsubscribe detaches the handle from the named channels, or from
// every subscribed channel when called with no arguments. Detaching a
// channel that was never subscribed is still acknowledged, matching the
// wire command semantics.
func (s *Subscription) Unsubscribe(channels ...string) []Ack {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(channels) == 0 {
		channels = make([]string, 0, len(s.channels))
		for ch := range s.channels {
			channels = append(channels, ch)
		}
	}

	acks := make([]Ack, 0, len(channels))
	for _, ch := range channels {
		if _, ok := s.channels[ch]; ok {
			delete(s.channels, ch)
			e.detach(ch, s.id)
		}
		acks = append(acks, Ack{Channel: ch, Count: len(s.channels)})
	}
	return acks
}

// Close detaches the subscription from every channel. The message queue
// is left open so a concurrent reader drains without a closed-channel
// race; the handle must not be reused afterwards.
func (s *Subscription) Close() {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	for ch := range s.channels {
		e.detach(ch, s.id)
	}
	s.channels = make(map[string]struct{})
}

// detach removes one subscriber from a hub, dropping the hub when it
// becomes empty. Callers must hold e.mu.
func (e *Engine) detach(channel, subID string) {
	hub, ok := e.channels[channel]
	if !ok {
		return
	}
	delete(hub.subscribers, subID)
	if len(hub.subscribers) == 0 {
		delete(e.channels, channel)
	}
}
