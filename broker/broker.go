// Package broker provides the queue, set and publish/subscribe primitives
// the wire protocol is built on, with a Redis adapter for production and
// an in-process implementation with the same observable semantics.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Pop when the timeout elapses with no item.
	ErrTimeout = errors.New("broker: pop timed out")

	// ErrUnavailable wraps connection-level failures. Workers treat it as
	// fatal and exit so a supervisor can restart them.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("broker: closed")
)

// Event is one pub/sub notification. Type is "subscribe", "unsubscribe" or
// "message"; Data carries the payload for messages and the subscription
// count for confirmations. The shape matches what Redis clients see, and
// the WebSocket gateway forwards it to subscribers verbatim.
type Event struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern,omitempty"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// PubSub is one subscriber's handle. Events delivers confirmations and
// messages in broker order until Close.
type PubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Events() <-chan Event
	Close() error
}

// Broker is the transport between gateways and workers: FIFO lists with
// blocking pops, a membership set for the worker roster, and pub/sub.
type Broker interface {
	// Push appends a payload to a list.
	Push(ctx context.Context, queue string, payload []byte) error

	// PushEx appends a payload and sets a TTL on the list, so reply
	// channels nobody is waiting on get reaped.
	PushEx(ctx context.Context, queue string, payload []byte, ttl time.Duration) error

	// Pop blocks up to timeout for the head of a list. ErrTimeout means
	// the timeout elapsed with the list still empty.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	IsMember(ctx context.Context, set, member string) (bool, error)

	// Publish fans a payload out to current subscribers of a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a pub/sub handle, optionally pre-subscribed.
	Subscribe(ctx context.Context, channels ...string) (PubSub, error)

	Close() error
}
