package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/protocol"
)

// maxBodySize bounds POST bodies.
const maxBodySize = 1 << 20

// HTTPConfig configures the plain HTTP gateway.
type HTTPConfig struct {
	// Prefix is the required leading portion of request paths, slashes
	// included. Defaults to "/".
	Prefix string

	// Queue is the work queue list name.
	Queue string

	// ReplyPrefix prefixes generated reply channels.
	ReplyPrefix string

	// Timeout is how long to wait for a worker reply.
	Timeout time.Duration
}

// HTTP is the plain gateway: the first path segment is the method, further
// segments are positional arguments, and query parameters become kwargs.
// POST bodies are envelopes, passed through with a reply channel stamped.
type HTTP struct {
	cfg    HTTPConfig
	broker broker.Broker
	log    *slog.Logger
}

// NewHTTP builds the plain gateway around a broker.
func NewHTTP(cfg HTTPConfig, b broker.Broker, log *slog.Logger) *HTTP {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/"
	}
	if cfg.Queue == "" {
		cfg.Queue = protocol.DefaultQueue
	}
	if cfg.ReplyPrefix == "" {
		cfg.ReplyPrefix = protocol.DefaultReplyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTP{cfg: cfg, broker: b, log: log}
}

func (g *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.serveGet(w, r)
	case http.MethodPost:
		g.servePost(w, r)
	default:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotImplemented)
		io.WriteString(w, "501: Method not implemented. Only GET/POST are expected.")
	}
}

func (g *HTTP) serveGet(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, g.cfg.Prefix) {
		g.plainError(w, http.StatusInternalServerError,
			fmt.Sprintf("Expected prefix %s not found in request path.", g.cfg.Prefix))
		return
	}
	segments := strings.Split(strings.TrimPrefix(r.URL.Path, g.cfg.Prefix), "/")

	env := &protocol.Envelope{
		Method:       segments[0],
		Args:         pathArgs(segments[1:]),
		Kwargs:       queryKwargs(r.URL.Query()),
		ReplyChannel: protocol.NewReplyChannel(g.cfg.ReplyPrefix),
	}
	payload, err := env.Encode()
	if err != nil {
		g.plainError(w, http.StatusInternalServerError, "Unable to encode request.")
		return
	}
	g.relay(w, r, payload, env.ReplyChannel)
}

func (g *HTTP) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		g.plainError(w, http.StatusInternalServerError, "Unable to read POST data.")
		return
	}

	var request map[string]any
	if err := json.Unmarshal(body, &request); err != nil || request == nil {
		var probe any
		if json.Unmarshal(body, &probe) != nil {
			g.plainError(w, http.StatusInternalServerError, "Unable to parse JSON data in POST.")
			return
		}
		g.plainError(w, http.StatusInternalServerError,
			fmt.Sprintf("Expected dict in POST data, received %s", jsonTypeName(probe)))
		return
	}

	replyChannel := protocol.NewReplyChannel(g.cfg.ReplyPrefix)
	request["reply_channel"] = replyChannel
	payload, err := json.Marshal(request)
	if err != nil {
		g.plainError(w, http.StatusInternalServerError, "Unable to encode request.")
		return
	}
	g.relay(w, r, payload, replyChannel)
}

// relay pushes an encoded envelope and writes the worker's reply, or a
// plaintext error.
func (g *HTTP) relay(w http.ResponseWriter, r *http.Request, payload []byte, replyChannel string) {
	ctx := r.Context()
	if err := g.broker.Push(ctx, g.cfg.Queue, payload); err != nil {
		g.log.Error("queue push failed", "error", err)
		g.plainError(w, http.StatusInternalServerError, "Unable to reach the work queue.")
		return
	}
	reply, err := g.broker.Pop(ctx, replyChannel, g.cfg.Timeout)
	if err != nil {
		if errors.Is(err, broker.ErrTimeout) {
			// The reply channel is abandoned; a late reply expires there.
			g.plainError(w, http.StatusInternalServerError, "Timed out waiting for response.")
			return
		}
		if ctx.Err() != nil {
			return // caller gone
		}
		g.log.Error("reply pop failed", "channel", replyChannel, "error", err)
		g.plainError(w, http.StatusInternalServerError, "Unable to read response.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

func (g *HTTP) plainError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	fmt.Fprintf(w, "%d: %s", code, message)
}
