package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bluecollar-io/bluecollar/protocol"
	"github.com/bluecollar-io/bluecollar/registry"
)

// execute runs one call and pushes the outcome to the envelope's reply
// channel. Runs on its own goroutine; the scheduler keeps consuming while
// user code executes.
func (w *Worker) execute(env *protocol.Envelope, call registry.Func) {
	start := time.Now()
	result, err := w.invoke(env, call)
	elapsed := time.Since(start)

	if err != nil {
		w.log.Error("call failed", "method", env.Method, "elapsed", elapsed, "error", err)
		w.replyError(env, err.Error(), http.StatusInternalServerError)
		return
	}
	w.log.Debug("call completed", "method", env.Method, "elapsed", elapsed)

	if env.ReplyChannel == "" {
		return
	}
	data, err := protocol.EncodeResult(result)
	if err != nil {
		// Withhold the reply; the gateway times out rather than receive garbage.
		w.log.Error("result not JSON-encodable", "method", env.Method, "error", err)
		return
	}
	w.reply(env, data)
}

// invoke calls into user code, converting panics to errors so one bad call
// cannot take the worker down.
func (w *Worker) invoke(env *protocol.Envelope, call registry.Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", env.Method, r)
		}
	}()
	return call(registry.Args(env.Args), registry.Kwargs(env.Kwargs))
}

// reply pushes a payload to the envelope's reply channel with the
// configured TTL, so channels nobody is waiting on get reaped.
func (w *Worker) reply(env *protocol.Envelope, payload []byte) {
	if env.ReplyChannel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := w.broker.PushEx(ctx, env.ReplyChannel, payload, w.cfg.ReplyTTL); err != nil {
		w.log.Error("reply push failed", "channel", env.ReplyChannel, "error", err)
	}
}

func (w *Worker) replyError(env *protocol.Envelope, message string, code int) {
	w.reply(env, protocol.EncodeError(message, code))
}
