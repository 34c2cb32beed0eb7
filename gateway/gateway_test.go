package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bluecollar-io/bluecollar/broker"
)

// startResponder services the work queue like a one-function worker pool:
// each decoded envelope goes to fn, and a non-nil return is pushed to the
// envelope's reply channel. A nil return leaves the caller waiting.
func startResponder(t *testing.T, b broker.Broker, queue string, fn func(env map[string]any) []byte) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			payload, err := b.Pop(ctx, queue, time.Second)
			if errors.Is(err, broker.ErrTimeout) {
				continue
			}
			if err != nil {
				return
			}
			var env map[string]any
			if err := json.Unmarshal(payload, &env); err != nil {
				continue
			}
			reply := fn(env)
			if reply == nil {
				continue
			}
			channel, _ := env["reply_channel"].(string)
			if channel == "" {
				continue
			}
			b.PushEx(ctx, channel, reply, time.Minute)
		}
	}()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
