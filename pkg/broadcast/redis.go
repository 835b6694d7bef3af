package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis relays messages through Redis pub/sub so engines in different
// processes can invalidate each other's caches.
type Redis struct {
	Client *redis.Client
	Prefix string
	logf   func(string, ...any)
}

// NewRedis wraps client. A nil client yields a nil Bus (not a nil *Redis)
// so the engine runs bus-less.
func NewRedis(client *redis.Client, prefix string, logf func(string, ...any)) Bus {
	if client == nil {
		return nil
	}
	return &Redis{Client: client, Prefix: prefix, logf: logf}
}

// Publish sends msg on the prefixed channel.
func (r *Redis) Publish(ctx context.Context, topic string, msg []byte) error {
	if err := r.Client.Publish(ctx, r.Prefix+topic, msg).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe forwards payloads from the prefixed channel until ctx ends.
func (r *Redis) Subscribe(ctx context.Context, topic string) <-chan []byte {
	out := make(chan []byte, 16)
	sub := r.Client.Subscribe(ctx, r.Prefix+topic)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					if r.logf != nil {
						r.logf("[broadcast] redis subscription %s closed", topic)
					}
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
