package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Frame is what relay processes exchange. To names the identity the
// envelope is addressed to; an empty To announces a roster change.
type Frame struct {
	Origin   string         `json:"origin"`
	To       string         `json:"to,omitempty"`
	Envelope types.Envelope `json:"envelope"`
}

// Bus carries identity-addressed frames between relay processes. Every
// subscriber sees every frame, its own included.
type Bus interface {
	Publish(ctx context.Context, f Frame) error
	Subscribe(ctx context.Context) (<-chan Frame, error)
}

const DefaultRedisChannel = "presence:frames"

type RedisBus struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", f.To, err)
	}
	return nil
}

// Subscribe returns once redis has confirmed the subscription. The channel
// is closed when ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Frame, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan Frame, 256)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var f Frame
				if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
