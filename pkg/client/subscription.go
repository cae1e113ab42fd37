package client

import (
	"fmt"

	"github.com/yndnr/keymesh-go/internal/resp"
)

// Message is one published pub/sub message.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a client connection in subscribe mode. While
// subscribed the underlying connection carries only subscription
// traffic; regular commands resume once every channel is unsubscribed.
type Subscription struct {
	client *Client

	// count is the subscribed-channel count after the last ack.
	count int

	// pending holds messages that arrived interleaved with
	// subscribe/unsubscribe acknowledgements.
	pending []Message
}

// Subscribe switches the connection into subscribe mode on the given
// channels.
func (c *Client) Subscribe(channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("subscribe requires at least one channel")
	}

	s := &Subscription{client: c}
	if err := s.command("SUBSCRIBE", channels); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe adds channels to the subscription.
func (s *Subscription) Subscribe(channels ...string) error {
	if len(channels) == 0 {
		return fmt.Errorf("subscribe requires at least one channel")
	}
	return s.command("SUBSCRIBE", channels)
}

// Unsubscribe removes channels from the subscription, or every channel
// when called with none. When the subscribed set becomes empty the
// connection leaves subscribe mode and regular commands work again.
func (s *Subscription) Unsubscribe(channels ...string) error {
	return s.command("UNSUBSCRIBE", channels)
}

// Count returns the subscribed-channel count after the last
// acknowledged subscribe or unsubscribe.
func (s *Subscription) Count() int {
	return s.count
}

// Next returns the next published message, blocking until one arrives
// or the client timeout elapses.
func (s *Subscription) Next() (Message, error) {
	if len(s.pending) > 0 {
		msg := s.pending[0]
		s.pending = s.pending[1:]
		return msg, nil
	}

	for {
		f, err := s.client.readFrame()
		if err != nil {
			return Message{}, err
		}
		msg, ok, err := messageFromFrame(f)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		// A stray ack; nothing to do with it here.
	}
}

// command sends one (un)subscribe command and consumes its per-channel
// acknowledgements, buffering any messages that arrive in between.
func (s *Subscription) command(verb string, channels []string) error {
	if err := s.client.writeFrame(resp.Command(verb, stringArgs(channels)...)); err != nil {
		return err
	}

	want := len(channels)
	if want == 0 {
		// Unsubscribe-all acks once per previously subscribed channel,
		// or once with a null channel when nothing was subscribed.
		want = s.count
		if want == 0 {
			want = 1
		}
	}

	for acked := 0; acked < want; {
		f, err := s.client.readFrame()
		if err != nil {
			return err
		}
		if f.Kind == resp.KindError {
			return ServerError(f.Str)
		}

		if msg, ok, err := messageFromFrame(f); err == nil && ok {
			s.pending = append(s.pending, msg)
			continue
		}

		count, err := ackCount(f)
		if err != nil {
			return err
		}
		s.count = count
		acked++
	}
	return nil
}

// messageFromFrame reports whether f is a pushed message frame.
func messageFromFrame(f resp.Frame) (Message, bool, error) {
	if f.Kind != resp.KindArray || len(f.Array) != 3 {
		return Message{}, false, fmt.Errorf("unexpected frame in subscribe mode: %v", f)
	}
	if string(f.Array[0].Bulk) != "message" {
		return Message{}, false, nil
	}
	return Message{
		Channel: string(f.Array[1].Bulk),
		Payload: f.Array[2].Bulk,
	}, true, nil
}

// ackCount extracts the subscribed-channel count from an ack frame.
func ackCount(f resp.Frame) (int, error) {
	if f.Kind != resp.KindArray || len(f.Array) != 3 || f.Array[2].Kind != resp.KindInteger {
		return 0, fmt.Errorf("unexpected acknowledgement frame: %v", f)
	}
	return int(f.Array[2].Int), nil
}
