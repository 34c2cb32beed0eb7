package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/protocol"
)

// restAllowedVerbs is advertised on OPTIONS preflights.
const restAllowedVerbs = "GET, POST, PUT, DELETE, PATCH, OPTIONS"

// RESTConfig configures the resource-discovery gateway.
type RESTConfig struct {
	// Prefix is the required leading portion of request paths.
	Prefix string

	// Queue is the work queue list name.
	Queue string

	// ReplyPrefix prefixes generated reply channels.
	ReplyPrefix string

	// Timeout is how long to wait for worker replies, probes included.
	Timeout time.Duration

	// ErrorDocURL, when set, is prepended to the escaped error message to
	// form the more_info link in error documents.
	ErrorDocURL string
}

// REST maps resource URLs onto worker calls. It discovers which leading
// path segments name a resource by probing the worker pool with no-exec
// envelopes, and caches what it learns so each prefix is probed once per
// process.
type REST struct {
	cfg    RESTConfig
	broker broker.Broker
	log    *slog.Logger

	// methods caches discovery outcomes per dotted prefix: the index of
	// the first argument segment, or -1 for a miss.
	mu      sync.Mutex
	methods map[string]int
}

// NewREST builds the resource-discovery gateway around a broker.
func NewREST(cfg RESTConfig, b broker.Broker, log *slog.Logger) *REST {
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
	return &REST{cfg: cfg, broker: b, log: log, methods: make(map[string]int)}
}

func (g *REST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// The verb comes from the request method, overridable per request for
	// clients that cannot emit PUT or DELETE.
	verb := strings.ToLower(r.Method)
	if m := query.Get("method"); m != "" {
		verb = strings.ToLower(m)
	}

	if !strings.HasPrefix(r.URL.Path, g.cfg.Prefix) {
		g.appError(w, query, http.StatusNotFound,
			fmt.Sprintf("Invalid request path. Expected prefix %s", g.cfg.Prefix))
		return
	}
	elements := strings.Split(strings.TrimPrefix(r.URL.Path, g.cfg.Prefix), "/")

	// Strip the extension from the last element. Only .json is served.
	last := elements[len(elements)-1]
	if idx := strings.LastIndex(last, "."); idx > 0 {
		extension := last[idx:]
		elements[len(elements)-1] = last[:idx]
		if extension != ".json" {
			g.appError(w, query, http.StatusNotAcceptable,
				fmt.Sprintf("Unsupported content type %s.", extension[1:]))
			return
		}
	}

	if verb == "options" {
		w.Header().Set("Allow", restAllowedVerbs)
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	// One reply channel serves the probes and the call.
	replyChannel := protocol.NewReplyChannel(g.cfg.ReplyPrefix)

	resource, args, ok, err := g.discover(r.Context(), elements, verb, replyChannel)
	if err != nil {
		g.appError(w, query, http.StatusGatewayTimeout,
			"Application did not respond in a timely fashion.")
		return
	}
	if !ok {
		g.appError(w, query, http.StatusNotFound, "No supported server method found.")
		return
	}

	env := &protocol.Envelope{
		Method:       resource + ".http_" + verb,
		Args:         pathArgs(args),
		Kwargs:       queryKwargs(query),
		ReplyChannel: replyChannel,
	}
	payload, err := env.Encode()
	if err != nil {
		g.appError(w, query, http.StatusInternalServerError, "Unable to encode request.")
		return
	}
	if err := g.broker.Push(r.Context(), g.cfg.Queue, payload); err != nil {
		g.log.Error("queue push failed", "error", err)
		g.appError(w, query, http.StatusGatewayTimeout,
			"Application did not respond in a timely fashion.")
		return
	}
	reply, err := g.broker.Pop(r.Context(), replyChannel, g.cfg.Timeout)
	if err != nil {
		g.appError(w, query, http.StatusGatewayTimeout,
			"Application did not respond in a timely fashion.")
		return
	}
	g.writeReply(w, query, reply)
}

// discover walks the path elements left to right, growing a dotted prefix
// and asking the worker pool which prefix exposes the verb method. The
// first hit wins: it becomes the resource and the remaining elements its
// arguments. Outcomes are cached either way.
func (g *REST) discover(ctx context.Context, elements []string, verb, replyChannel string) (resource string, args []string, ok bool, err error) {
	prefix := ""
	for i, element := range elements {
		if prefix == "" {
			prefix = element
		} else {
			prefix += "." + element
		}

		if k, cached := g.cached(prefix); cached {
			if k < 0 {
				continue
			}
			return prefix, elements[k:], true, nil
		}

		found, err := g.probe(ctx, prefix+".http_"+verb, replyChannel)
		if err != nil {
			return "", nil, false, err
		}
		if found {
			g.store(prefix, i+1)
			return prefix, elements[i+1:], true, nil
		}
		g.store(prefix, -1)
	}
	return "", nil, false, nil
}

// probe asks the worker pool whether a method path resolves, without
// executing it.
func (g *REST) probe(ctx context.Context, method, replyChannel string) (bool, error) {
	env := &protocol.Envelope{
		Method:       method,
		NoExec:       true,
		ReplyChannel: replyChannel,
	}
	payload, err := env.Encode()
	if err != nil {
		return false, err
	}
	if err := g.broker.Push(ctx, g.cfg.Queue, payload); err != nil {
		return false, err
	}
	reply, err := g.broker.Pop(ctx, replyChannel, g.cfg.Timeout)
	if err != nil {
		return false, err
	}
	parsed := protocol.ParseReply(reply)
	return parsed.Kind == protocol.KindPresence && parsed.Presence.Found, nil
}

func (g *REST) cached(prefix string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k, ok := g.methods[prefix]
	return k, ok
}

func (g *REST) store(prefix string, k int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.methods[prefix] = k
}

// writeReply relays a worker reply. Error records surface their embedded
// response code as the HTTP status; everything else is a 200. The body is
// always deflated, and a callback query parameter wraps it as JSONP.
func (g *REST) writeReply(w http.ResponseWriter, query url.Values, reply []byte) {
	status := http.StatusOK
	if parsed := protocol.ParseReply(reply); parsed.Kind == protocol.KindError {
		status = parsed.Err.ResponseCode
		if status < 400 || status > 599 {
			status = http.StatusInternalServerError
		}
		if suppressed(query) {
			status = http.StatusOK
		}
	}

	body := reply
	contentType := "application/json"
	if cb := query.Get("callback"); cb != "" {
		body = []byte(cb + "(" + string(reply) + ");")
		contentType = "text/javascript"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Encoding", "deflate")
	w.WriteHeader(status)
	w.Write(deflate(body))
}

// appError writes a gateway-generated error document. The suppress flag
// (the original's misspelling included) rewrites the outer status to 200,
// leaving the real code in the body.
func (g *REST) appError(w http.ResponseWriter, query url.Values, code int, message string) {
	doc := protocol.ErrorReply{
		Message:      message,
		ResponseCode: code,
		Error:        true,
	}
	if g.cfg.ErrorDocURL != "" {
		doc.MoreInfo = g.cfg.ErrorDocURL + url.QueryEscape(message)
	}
	status := code
	if suppressed(query) {
		status = http.StatusOK
	}
	body, _ := json.Marshal(doc)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func suppressed(query url.Values) bool {
	return query.Get("supress_response_codes") != "" ||
		query.Get("suppress_response_codes") != ""
}

// deflate compresses a payload with zlib, the encoding HTTP calls deflate.
func deflate(data []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}
