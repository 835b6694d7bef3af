// Package broadcast carries cross-context notifications (cache invalidation,
// telemetry adoption) between engine instances. The bus is optional: an
// engine without one is still correct for its own context.
package broadcast

import "context"

// Bus publishes opaque messages on named topics.
// Subscribe returns a channel that closes when ctx ends.
type Bus interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string) <-chan []byte
}

// Local fan-outs messages to subscribers inside one process without locks.
// A single goroutine owns the listener table; producers and consumers only
// talk to it over channels.
type Local struct {
	publish     chan message
	subscribe   chan subscription
	unsubscribe chan subscription
	buffer      int
}

type message struct {
	topic string
	data  []byte
}

type subscription struct {
	topic string
	ch    chan []byte
}

// NewLocal starts the fan-out goroutine. buffer sizes each subscriber
// channel; a subscriber that falls further behind loses messages rather than
// stalling publishers.
func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = 16
	}
	b := &Local{
		publish:     make(chan message, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		buffer:      buffer,
	}
	go b.run()
	return b
}

// Publish forwards a copy of msg to every listener of topic.
func (b *Local) Publish(ctx context.Context, topic string, msg []byte) error {
	data := make([]byte, len(msg))
	copy(data, msg)
	select {
	case b.publish <- message{topic: topic, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers interest in topic until ctx ends.
func (b *Local) Subscribe(ctx context.Context, topic string) <-chan []byte {
	ch := make(chan []byte, b.buffer)
	req := subscription{topic: topic, ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
	}()

	return ch
}

func (b *Local) run() {
	listeners := make(map[string][]chan []byte)

	for {
		select {
		case req := <-b.subscribe:
			listeners[req.topic] = append(listeners[req.topic], req.ch)
		case req := <-b.unsubscribe:
			chans := listeners[req.topic]
			filtered := chans[:0]
			for _, existing := range chans {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			if len(filtered) == 0 {
				delete(listeners, req.topic)
			} else {
				listeners[req.topic] = filtered
			}
			close(req.ch)
		case m := <-b.publish:
			for _, ch := range listeners[m.topic] {
				select {
				case ch <- m.data:
				default:
				}
			}
		}
	}
}
