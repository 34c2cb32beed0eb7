package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bluecollar-io/bluecollar/auth"
	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/protocol"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin browser clients are the point of this gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSConfig configures the WebSocket gateway.
type WSConfig struct {
	// Queue is the work queue list name.
	Queue string

	// ReplyPrefix prefixes generated client identities.
	ReplyPrefix string

	// Timeout is how long a request frame waits for a worker reply.
	Timeout time.Duration

	// Fallback routes non-upgrade requests to a plain gateway: "http",
	// "rest", or empty for none.
	Fallback string

	// LongPolling serves the */xhr/ long-poll endpoints.
	LongPolling bool
}

// WS multiplexes request/reply traffic and pub/sub streams over WebSocket
// connections. Each connection gets a client identity that doubles as its
// reply channel; subscribe and unsubscribe frames manage a per-client
// pub/sub pump that copies broker events to the socket.
type WS struct {
	cfg     WSConfig
	broker  broker.Broker
	auth    auth.SubscribeAuthorizer
	log     *slog.Logger
	stats   *Stats
	metrics http.Handler

	httpFallback http.Handler
	restFallback http.Handler

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewWS builds the WebSocket gateway around a broker. A nil authorizer
// admits every subscription.
func NewWS(cfg WSConfig, b broker.Broker, authorizer auth.SubscribeAuthorizer, log *slog.Logger) *WS {
	if log == nil {
		log = slog.Default()
	}
	if authorizer == nil {
		authorizer = auth.AllowAll{}
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
	stats := NewStats()
	return &WS{
		cfg:     cfg,
		broker:  b,
		auth:    authorizer,
		log:     log,
		stats:   stats,
		metrics: stats.Handler(),
		clients: make(map[string]*wsClient),
	}
}

// Stats exposes the gateway's counters.
func (g *WS) Stats() *Stats {
	return g.stats
}

// SetHTTPFallback routes non-upgrade requests to a plain HTTP gateway when
// Fallback is "http".
func (g *WS) SetHTTPFallback(h http.Handler) {
	g.httpFallback = h
}

// SetRESTFallback routes non-upgrade requests to a REST gateway when
// Fallback is "rest".
func (g *WS) SetRESTFallback(h http.Handler) {
	g.restFallback = h
}

// wsClient is one connection's pub/sub state. The frame handler is the
// only writer; the mutex gives other goroutines consistent reads.
type wsClient struct {
	pubsub broker.PubSub

	mu       sync.Mutex
	channels map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// stopPump cancels the running pump and waits for it to exit, so at most
// one pump ever writes a client's socket.
func (c *wsClient) stopPump() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *wsClient) setPump(cancel context.CancelFunc, done chan struct{}) {
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
}

func (c *wsClient) addChannels(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *wsClient) removeChannels(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
}

func (c *wsClient) channelNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// wsConn serializes socket writes between the frame handler and the pump.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *WS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Error("websocket upgrade failed", "error", err)
			return
		}
		g.serveConn(conn)
		return
	}
	g.serveFallback(w, r)
}

func (g *WS) serveConn(raw *websocket.Conn) {
	clientID := protocol.NewReplyChannel(g.cfg.ReplyPrefix)
	conn := &wsConn{conn: raw}
	g.stats.ConnectionsOpen.Inc()
	g.log.Debug("socket open", "client", clientID)

	defer func() {
		g.teardown(clientID)
		raw.Close()
		g.stats.ConnectionsOpen.Dec()
		g.stats.ConnectionsHandled.Inc()
		g.log.Debug("socket closed", "client", clientID)
	}()

	raw.SetReadLimit(maxMessageSize)
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				g.log.Warn("websocket read failed", "client", clientID, "error", err)
			}
			return
		}
		g.handleFrame(conn, clientID, data)
	}
}

// handleFrame routes one inbound frame. Subscribe and unsubscribe control
// frames manage pub/sub state; any other object is a request envelope.
// Frames are handled sequentially: a request blocks the connection until
// its reply arrives or times out, while pump traffic keeps flowing.
func (g *WS) handleFrame(conn *wsConn, clientID string, data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil || frame == nil {
		var probe any
		if json.Unmarshal(data, &probe) != nil {
			g.notify(conn, "Unable to JSON decode request.")
			return
		}
		g.notify(conn, "Request must be a JSON object.")
		return
	}

	if channels, ok := channelList(frame["subscribe"]); ok {
		g.subscribe(conn, clientID, channels, stringField(frame, "token"))
		return
	}
	if channels, ok := channelList(frame["unsubscribe"]); ok {
		g.unsubscribe(conn, clientID, channels)
		return
	}
	g.relayRequest(conn, clientID, frame)
}

// relayRequest stamps the connection's identity as the reply channel,
// queues the envelope, and forwards the worker's reply.
func (g *WS) relayRequest(conn *wsConn, clientID string, frame map[string]any) {
	frame["reply_channel"] = clientID
	payload, _ := json.Marshal(frame)

	ctx := context.Background()
	if err := g.broker.Push(ctx, g.cfg.Queue, payload); err != nil {
		g.log.Error("queue push failed", "client", clientID, "error", err)
		g.notify(conn, "Unable to reach the work queue.")
		return
	}
	reply, err := g.broker.Pop(ctx, clientID, g.cfg.Timeout)
	if err != nil {
		g.notify(conn, "Requested timed out.")
		return
	}
	if err := conn.send(reply); err != nil {
		g.log.Warn("websocket write failed", "client", clientID, "error", err)
	}
}

// subscribe admits the client to channels and (re)starts its pump. At most
// one pump runs per client: the previous pump is stopped and joined before
// the new subscription takes effect.
func (g *WS) subscribe(conn *wsConn, clientID string, channels []string, token string) {
	if !g.auth.AuthorizeSubscribe(clientID, channels, token) {
		g.log.Warn("subscribe rejected", "client", clientID, "channels", channels)
		return
	}

	client := g.client(clientID)
	if client == nil {
		ps, err := g.broker.Subscribe(context.Background())
		if err != nil {
			g.log.Error("pubsub connect failed", "client", clientID, "error", err)
			return
		}
		client = &wsClient{pubsub: ps, channels: make(map[string]struct{})}
		g.mu.Lock()
		g.clients[clientID] = client
		g.mu.Unlock()
		g.stats.PubSubConnections.Inc()
		g.log.Debug("new pubsub connection", "client", clientID)
	}

	client.stopPump()
	if err := client.pubsub.Subscribe(context.Background(), channels...); err != nil {
		g.log.Error("subscribe failed", "client", clientID, "error", err)
		return
	}
	client.addChannels(channels)
	g.startPump(conn, clientID, client)
	g.log.Debug("client subscribed", "client", clientID, "channels", client.channelNames())
}

// unsubscribe stops the pump and sheds channels. An empty list tears the
// client's pub/sub state down entirely; otherwise the pump restarts with
// whatever remains subscribed.
func (g *WS) unsubscribe(conn *wsConn, clientID string, channels []string) {
	client := g.client(clientID)
	if client == nil {
		g.log.Error("non-existent client tried to unsubscribe", "client", clientID)
		return
	}

	client.stopPump()

	if len(channels) == 0 {
		g.drop(clientID, client)
		return
	}
	if err := client.pubsub.Unsubscribe(context.Background(), channels...); err != nil {
		g.log.Error("unsubscribe failed", "client", clientID, "error", err)
	}
	client.removeChannels(channels)
	g.startPump(conn, clientID, client)
	g.log.Debug("client unsubscribed", "client", clientID, "channels", client.channelNames())
}

// startPump spawns the goroutine that copies pub/sub events to the socket
// as JSON, confirmations included.
func (g *WS) startPump(conn *wsConn, clientID string, client *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	client.setPump(cancel, done)
	events := client.pubsub.Events()

	go func() {
		defer close(done)
		g.log.Debug("pump started", "client", clientID)
		for {
			select {
			case <-ctx.Done():
				g.log.Debug("pump stopped", "client", clientID)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := conn.send(payload); err != nil {
					g.log.Warn("pump write failed", "client", clientID, "error", err)
					return
				}
				g.stats.PubSubEvents.Inc()
			}
		}
	}()
}

func (g *WS) client(clientID string) *wsClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[clientID]
}

// drop removes a client's pub/sub state. The pump must already be stopped.
func (g *WS) drop(clientID string, client *wsClient) {
	g.mu.Lock()
	delete(g.clients, clientID)
	g.mu.Unlock()
	if err := client.pubsub.Close(); err != nil {
		g.log.Warn("pubsub close failed", "client", clientID, "error", err)
	}
	g.stats.PubSubConnections.Dec()
	g.log.Debug("pubsub connection dropped", "client", clientID)
}

// teardown releases a disconnecting client's pub/sub state, if any.
func (g *WS) teardown(clientID string) {
	client := g.client(clientID)
	if client == nil {
		return
	}
	client.stopPump()
	g.drop(clientID, client)
}

// notify sends a bare JSON string to the client.
func (g *WS) notify(conn *wsConn, message string) {
	payload, _ := json.Marshal(message)
	if err := conn.send(payload); err != nil {
		g.log.Warn("websocket write failed", "error", err)
	}
}

// serveFallback handles plain HTTP hits on the WebSocket port: metrics,
// XHR long-polling, or a configured fallback gateway.
func (g *WS) serveFallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		g.metrics.ServeHTTP(w, r)
		return
	}
	if g.cfg.LongPolling && strings.HasSuffix(r.URL.Path, "/xhr/") {
		g.serveXHR(w, r)
		return
	}
	switch g.cfg.Fallback {
	case "http":
		if g.httpFallback != nil {
			g.httpFallback.ServeHTTP(w, r)
			return
		}
	case "rest":
		if g.restFallback != nil {
			g.restFallback.ServeHTTP(w, r)
			return
		}
	}
	w.WriteHeader(http.StatusBadRequest)
	io.WriteString(w, "WebSocket connection is expected here.")
}

// channelList accepts a JSON array of channel names. Non-string entries
// are stringified; any other shape means the key was not a control list.
func channelList(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	channels := make([]string, len(items))
	for i, item := range items {
		if s, ok := item.(string); ok {
			channels[i] = s
		} else {
			channels[i] = fmt.Sprint(item)
		}
	}
	return channels, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
