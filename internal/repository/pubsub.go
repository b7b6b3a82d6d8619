package repository

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier multiplexes the store's pub/sub over one shared connection. Every
// executor stream and every result waiter registers here; the store never
// sees more than one SUBSCRIBE connection per coordinator process.
//
// Notifications are edge triggers, not data: consumers re-pull the queue or
// re-read the result key after waking. That is what makes drop-on-full a safe
// backpressure policy for slow subscribers.
type Notifier struct {
	log *slog.Logger
	ps  *redis.PubSub

	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID int
	closed bool
}

type subscriber struct {
	id int
	ch chan string
}

// NewNotifier creates the shared subscription connection. Run must be started
// for messages to flow.
func NewNotifier(rdb *redis.Client, log *slog.Logger) *Notifier {
	return &Notifier{
		log:  log,
		ps:   rdb.Subscribe(context.Background()),
		subs: make(map[string][]subscriber),
	}
}

// Run consumes the shared connection and fans messages out to subscribers.
// Blocks until ctx is canceled or the connection closes.
func (n *Notifier) Run(ctx context.Context) error {
	msgs := n.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			n.dispatch(msg.Channel, msg.Payload)
		}
	}
}

// Subscribe registers interest in one channel. The returned cancel func is
// idempotent and must be called to release the registration; when the last
// subscriber of a channel cancels, the store-side subscription is dropped too.
func (n *Notifier) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, nil, errors.New("notifier closed")
	}
	id := n.nextID
	n.nextID++
	ch := make(chan string, 16)
	first := len(n.subs[channel]) == 0
	n.subs[channel] = append(n.subs[channel], subscriber{id: id, ch: ch})
	n.mu.Unlock()

	if first {
		if err := n.ps.Subscribe(ctx, channel); err != nil {
			n.remove(channel, id)
			return nil, nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if last := n.remove(channel, id); last {
				if err := n.ps.Unsubscribe(context.Background(), channel); err != nil {
					n.log.Warn("pubsub unsubscribe failed", "channel", channel, "error", err)
				}
			}
		})
	}
	return ch, cancel, nil
}

// SubscriberCount reports registrations for a channel (used by tests).
func (n *Notifier) SubscriberCount(channel string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[channel])
}

// Close tears down the shared connection. Outstanding subscriber channels are
// closed so stream loops unblock.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for channel, subs := range n.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(n.subs, channel)
	}
	n.mu.Unlock()
	return n.ps.Close()
}

func (n *Notifier) dispatch(channel, payload string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Subscriber buffer full. The consumer re-pulls after every
			// wake-up, so a dropped edge costs nothing.
		}
	}
}

func (n *Notifier) remove(channel string, id int) (last bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[channel]
	for i, sub := range subs {
		if sub.id == id {
			close(sub.ch)
			n.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(n.subs[channel]) == 0 {
		delete(n.subs, channel)
		return true
	}
	return false
}
