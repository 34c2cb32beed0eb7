// Package gateway translates external traffic into queued envelopes and
// relays worker replies back to callers. Three front ends share the queue
// protocol: a plain HTTP gateway that maps paths to calls, a REST gateway
// that discovers resources by probing the worker pool, and a WebSocket
// gateway that multiplexes request/reply with pub/sub streaming.
package gateway

import (
	"net/url"
	"time"
)

// DefaultTimeout is how long a gateway waits for a worker reply.
const DefaultTimeout = 300 * time.Second

// queryKwargs converts query parameters to envelope kwargs. Values stay
// list-valued, and blank values are dropped, the way WSGI query parsing
// did for the original clients.
func queryKwargs(q url.Values) map[string]any {
	if len(q) == 0 {
		return nil
	}
	kw := make(map[string]any, len(q))
	for k, vs := range q {
		vals := make([]any, 0, len(vs))
		for _, v := range vs {
			if v != "" {
				vals = append(vals, v)
			}
		}
		if len(vals) > 0 {
			kw[k] = vals
		}
	}
	if len(kw) == 0 {
		return nil
	}
	return kw
}

// pathArgs converts URL path segments to envelope args.
func pathArgs(segments []string) []any {
	if len(segments) == 0 {
		return nil
	}
	args := make([]any, len(segments))
	for i, s := range segments {
		args[i] = s
	}
	return args
}

// jsonTypeName names a decoded JSON value's type for error messages.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "unknown"
}
