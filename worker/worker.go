// Package worker implements the queue-consuming process: it registers on
// the worker roster, pops envelopes from the shared work queue, resolves
// their method paths against an exposed registry, and executes calls
// concurrently while the scheduler loop keeps consuming.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/protocol"
	"github.com/bluecollar-io/bluecollar/registry"
)

const (
	// DefaultReplyTTL is how long an un-consumed reply list lingers: the
	// default gateway timeout plus slack for clock skew between brokers
	// and gateways.
	DefaultReplyTTL = 330 * time.Second

	// DefaultPollTimeout bounds each blocking pop so roster membership is
	// rechecked at least this often.
	DefaultPollTimeout = 5 * time.Second

	// unavailableDelay is slept before exiting on broker loss so a
	// supervisor does not tight-loop restarts.
	unavailableDelay = 5 * time.Second

	// replyTimeout bounds each reply push.
	replyTimeout = 10 * time.Second
)

// Config holds worker settings. Zero values take the defaults.
type Config struct {
	// Queue is the work queue list name.
	Queue string

	// Roster is the worker roster set name. Removing this worker's ID
	// from the set retires it at the next poll.
	Roster string

	// ReplyTTL is applied to every reply push.
	ReplyTTL time.Duration

	// PollTimeout bounds each blocking pop.
	PollTimeout time.Duration

	// ID is the roster member name. Defaults to hostname:pid.
	ID string
}

// execEntry is one executable-cache slot: a resolution, or a negative
// marker so repeated misses skip the trie walk.
type execEntry struct {
	res   registry.Resolution
	found bool
}

// Worker consumes the work queue and dispatches envelopes. The scheduler
// loop alone touches the caches; executors only run user code and push
// replies.
type Worker struct {
	cfg    Config
	broker broker.Broker
	reg    *registry.Registry
	log    *slog.Logger

	executable map[string]execEntry
	instances  map[string]any

	inflight sync.WaitGroup

	// unavailableDelay is shortened in tests.
	unavailableDelay time.Duration
}

// New builds a worker around a broker and an exposed registry.
func New(cfg Config, b broker.Broker, reg *registry.Registry, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = protocol.DefaultQueue
	}
	if cfg.Roster == "" {
		cfg.Roster = protocol.DefaultRoster
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = DefaultReplyTTL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ID == "" {
		cfg.ID = defaultID()
	}
	return &Worker{
		cfg:              cfg,
		broker:           b,
		reg:              reg,
		log:              log,
		executable:       make(map[string]execEntry),
		instances:        make(map[string]any),
		unavailableDelay: unavailableDelay,
	}
}

// ID returns the worker's roster member name.
func (w *Worker) ID() string {
	return w.cfg.ID
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// Run registers on the roster and consumes the queue until the context is
// cancelled or the worker is retired from the roster. In-flight calls are
// always joined before return. A broker failure is fatal: Run logs it,
// pauses briefly, and returns the error so the process exits nonzero.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.AddMember(ctx, w.cfg.Roster, w.cfg.ID); err != nil {
		return w.fatal("roster register", err)
	}
	w.log.Info("worker registered",
		"id", w.cfg.ID,
		"queue", w.cfg.Queue,
		"roster", w.cfg.Roster,
		"paths", len(w.reg.Paths()))

	defer w.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			w.deregister()
			w.log.Info("worker stopping", "id", w.cfg.ID)
			return nil
		default:
		}

		ok, err := w.broker.IsMember(ctx, w.cfg.Roster, w.cfg.ID)
		if ctx.Err() != nil {
			w.deregister()
			w.log.Info("worker stopping", "id", w.cfg.ID)
			return nil
		}
		if err != nil {
			return w.fatal("roster check", err)
		}
		if !ok {
			w.log.Info("worker retired from roster", "id", w.cfg.ID)
			return nil
		}

		payload, err := w.broker.Pop(ctx, w.cfg.Queue, w.cfg.PollTimeout)
		if errors.Is(err, broker.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				w.deregister()
				w.log.Info("worker stopping", "id", w.cfg.ID)
				return nil
			}
			return w.fatal("dequeue", err)
		}

		w.dispatch(payload)
	}
}

// fatal logs a broker failure and pauses so a supervisor restart loop does
// not hammer a dead broker.
func (w *Worker) fatal(op string, err error) error {
	w.log.Error("broker failure, exiting", "op", op, "error", err)
	time.Sleep(w.unavailableDelay)
	return fmt.Errorf("%s: %w", op, err)
}

// deregister removes the worker from the roster. The run context may
// already be cancelled, so it uses its own deadline.
func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := w.broker.RemoveMember(ctx, w.cfg.Roster, w.cfg.ID); err != nil {
		w.log.Warn("roster deregister failed", "id", w.cfg.ID, "error", err)
	}
}

// dispatch handles one queued payload on the scheduler goroutine: decode,
// resolve, answer no-exec probes, materialize the receiver, then hand the
// call to an executor goroutine.
func (w *Worker) dispatch(payload []byte) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		w.log.Warn("dropping malformed envelope", "error", err)
		return
	}

	res, ok := w.resolve(env.Method)
	if !ok {
		w.log.Warn("method not found", "method", env.Method)
		w.replyError(env, "Method not found: "+env.Method, http.StatusNotFound)
		return
	}

	if env.NoExec {
		w.reply(env, protocol.EncodePresence(res.Ref()))
		return
	}

	call, err := w.bind(res)
	if err != nil {
		w.log.Error("materialize failed", "method", env.Method, "error", err)
		w.replyError(env, err.Error(), http.StatusInternalServerError)
		return
	}

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		w.execute(env, call)
	}()
}

// resolve consults the executable cache, falling back to the registry and
// caching the outcome either way so repeated failures also take the fast
// path. Scheduler goroutine only.
func (w *Worker) resolve(method string) (registry.Resolution, bool) {
	if e, ok := w.executable[method]; ok {
		return e.res, e.found
	}
	res, err := w.reg.Resolve(method)
	entry := execEntry{res: res, found: err == nil}
	w.executable[method] = entry
	return entry.res, entry.found
}

// bind turns a resolution into a ready callable, materializing the
// receiver per the type's instance policy. Scheduler goroutine only.
func (w *Worker) bind(res registry.Resolution) (registry.Func, error) {
	if res.Func != nil {
		return res.Func, nil
	}
	inst, err := w.instance(res)
	if err != nil {
		return nil, err
	}
	call := res.Call
	return func(args registry.Args, kwargs registry.Kwargs) (any, error) {
		return call(inst, args, kwargs)
	}, nil
}

// instance returns a receiver for the resolution's type. Singleton types
// get one instance per worker process; per-call types get a fresh one.
func (w *Worker) instance(res registry.Resolution) (any, error) {
	key := res.TypePath()
	if res.Type.Policy == registry.Singleton {
		if inst, ok := w.instances[key]; ok {
			return inst, nil
		}
	}
	inst := res.Type.New()
	if inst == nil {
		return nil, fmt.Errorf("constructor for %s returned nil", res.Type.Name)
	}
	if res.Type.Policy == registry.Singleton {
		w.instances[key] = inst
	}
	return inst, nil
}
