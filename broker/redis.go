package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig locates a Redis server.
type RedisConfig struct {
	Host string
	Port int
	DB   int
}

// Addr returns the host:port form.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Redis adapts a Redis server to the Broker contract. Lists map to RPUSH
// and BLPOP, the roster to a set, and pub/sub to Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the configured server and verifies the connection
// with a ping, so a dead broker is caught at startup rather than on the
// first request.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr(),
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, cfg.Addr(), err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Push(ctx context.Context, queue string, payload []byte) error {
	if err := r.client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("%w: rpush %s: %v", ErrUnavailable, queue, err)
	}
	return nil
}

func (r *Redis) PushEx(ctx context.Context, queue string, payload []byte, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, queue, payload)
	pipe.Expire(ctx, queue, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: rpush+expire %s: %v", ErrUnavailable, queue, err)
	}
	return nil
}

func (r *Redis) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := r.client.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, ErrTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: blpop %s: %v", ErrUnavailable, queue, err)
	}
	// BLPOP returns [key, value].
	return []byte(res[1]), nil
}

func (r *Redis) AddMember(ctx context.Context, set, member string) error {
	if err := r.client.SAdd(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("%w: sadd %s: %v", ErrUnavailable, set, err)
	}
	return nil
}

func (r *Redis) RemoveMember(ctx context.Context, set, member string) error {
	if err := r.client.SRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("%w: srem %s: %v", ErrUnavailable, set, err)
	}
	return nil
}

func (r *Redis) IsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("%w: sismember %s: %v", ErrUnavailable, set, err)
	}
	return ok, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (PubSub, error) {
	ps := r.client.Subscribe(ctx, channels...)
	sub := &redisPubSub{
		ps:     ps,
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
	go sub.receive()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// eventBuffer bounds how far a pub/sub consumer may fall behind before
// events back up into the receive loop.
const eventBuffer = 64

type redisPubSub struct {
	ps     *redis.PubSub
	events chan Event
	closed chan struct{}
	once   sync.Once
}

// receive copies notifications from the driver into the Events channel
// until Close unblocks it.
func (s *redisPubSub) receive() {
	defer close(s.events)
	ctx := context.Background()
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			return
		}
		var ev Event
		switch m := msg.(type) {
		case *redis.Subscription:
			ev = Event{Type: m.Kind, Channel: m.Channel, Data: m.Count}
		case *redis.Message:
			ev = Event{Type: "message", Pattern: m.Pattern, Channel: m.Channel, Data: m.Payload}
		default:
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

func (s *redisPubSub) Subscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *redisPubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("%w: unsubscribe: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *redisPubSub) Events() <-chan Event {
	return s.events
}

func (s *redisPubSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.ps.Close()
}
