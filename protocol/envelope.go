// Package protocol defines the wire contract between gateways and workers:
// the JSON request envelope pushed onto the shared work queue, the reply
// payloads pushed onto per-request reply channels, and the naming of the
// broker keys both sides agree on.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Broker key defaults shared by gateways and workers.
const (
	// DefaultQueue is the shared work queue list.
	DefaultQueue = "list_bcqueue"

	// DefaultRoster is the set of live worker ids. Removing a worker's id
	// retires it gracefully.
	DefaultRoster = "list_bcworkers"

	// DefaultReplyPrefix prefixes generated reply-channel names.
	DefaultReplyPrefix = "bc"
)

// Envelope is one request on the wire. Gateways produce envelopes from
// external traffic; workers consume them from the work queue.
type Envelope struct {
	// Method is the dotted path of the callable to invoke. Required.
	Method string `json:"method"`

	// Args are positional arguments. Gateways that parse URLs produce
	// strings; JSON bodies may carry any JSON value.
	Args []any `json:"args,omitempty"`

	// Kwargs are keyword arguments. Query parameters arrive list-valued.
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// ReplyChannel names the broker list the caller is blocked on. Empty
	// means fire-and-forget: the worker executes and discards the result.
	ReplyChannel string `json:"reply_channel,omitempty"`

	// NoExec asks the worker to resolve the method and report presence
	// without invoking it. Gateways use it for resource discovery.
	NoExec bool `json:"no_exec,omitempty"`
}

// ErrNoMethod is returned by DecodeEnvelope when the method field is
// missing or empty.
var ErrNoMethod = errors.New("protocol: envelope has no method")

// DecodeEnvelope parses a queued payload. Payloads that are not JSON
// objects, or lack a method, are rejected; workers drop them.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Method == "" {
		return nil, ErrNoMethod
	}
	return &env, nil
}

// Encode serializes an envelope for the queue.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// NewReplyChannel returns a fresh reply-channel name: the prefix joined to
// a hex-encoded random UUID. Channel names never repeat, so replies cannot
// cross between requests.
func NewReplyChannel(prefix string) string {
	if prefix == "" {
		prefix = DefaultReplyPrefix
	}
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])
}
