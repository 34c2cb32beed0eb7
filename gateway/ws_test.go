package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bluecollar-io/bluecollar/auth"
	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/protocol"
)

func newWSServer(t *testing.T, cfg WSConfig, b broker.Broker, authorizer auth.SubscribeAuthorizer) (*WS, *httptest.Server) {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	gw := NewWS(cfg, b, authorizer, discardLogger())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("socket write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("socket read failed: %v", err)
	}
	return data
}

// readEvent reads frames until one decodes to an event of the wanted type.
func readEvent(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		var ev map[string]any
		if err := json.Unmarshal(readFrame(t, conn), &ev); err != nil {
			continue
		}
		if ev["type"] == wantType {
			return ev
		}
	}
	t.Fatalf("no %s event arrived", wantType)
	return nil
}

func soleClient(t *testing.T, gw *WS) *wsClient {
	t.Helper()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.clients) != 1 {
		t.Fatalf("clients = %d, want 1", len(gw.clients))
	}
	for _, c := range gw.clients {
		return c
	}
	return nil
}

func TestWSRequestReply(t *testing.T) {
	b := broker.NewMemory()
	envCh := make(chan map[string]any, 1)
	startResponder(t, b, protocol.DefaultQueue, func(env map[string]any) []byte {
		envCh <- env
		return []byte(`"pong"`)
	})
	_, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"method":"ping"}`)
	if frame := string(readFrame(t, conn)); frame != `"pong"` {
		t.Fatalf("frame = %q, want \"pong\"", frame)
	}
	got := <-envCh
	if got["method"] != "ping" {
		t.Fatalf("method = %v", got["method"])
	}
	if ch, _ := got["reply_channel"].(string); !strings.HasPrefix(ch, "bc_") {
		t.Fatalf("reply channel = %v", got["reply_channel"])
	}
}

func TestWSRequestTimeout(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{Timeout: 50 * time.Millisecond}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"method":"slow.call"}`)
	if got := string(readFrame(t, conn)); got != `"Requested timed out."` {
		t.Fatalf("frame = %q", got)
	}
}

func TestWSBadFrames(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{nope`)
	if got := string(readFrame(t, conn)); got != `"Unable to JSON decode request."` {
		t.Fatalf("frame = %q", got)
	}
	writeFrame(t, conn, `[1,2]`)
	if got := string(readFrame(t, conn)); got != `"Request must be a JSON object."` {
		t.Fatalf("frame = %q", got)
	}
}

func TestWSSubscribePublishReceive(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"subscribe":["news"]}`)
	ev := readEvent(t, conn, "subscribe")
	if ev["channel"] != "news" {
		t.Fatalf("confirmation channel = %v, want news", ev["channel"])
	}

	if err := b.Publish(context.Background(), "news", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	msg := readEvent(t, conn, "message")
	if msg["channel"] != "news" || msg["data"] != "hello" {
		t.Fatalf("message = %v", msg)
	}
}

func TestWSChannelNameCoercion(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"subscribe":[42]}`)
	ev := readEvent(t, conn, "subscribe")
	if ev["channel"] != "42" {
		t.Fatalf("channel = %v, want 42", ev["channel"])
	}
}

func TestWSSinglePumpAfterResubscribe(t *testing.T) {
	b := broker.NewMemory()
	gw, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"subscribe":["a"]}`)
	readEvent(t, conn, "subscribe")
	client := soleClient(t, gw)
	client.mu.Lock()
	oldDone := client.done
	client.mu.Unlock()

	writeFrame(t, conn, `{"subscribe":["b"]}`)
	readEvent(t, conn, "subscribe")
	select {
	case <-oldDone:
	default:
		t.Fatal("previous pump still running after resubscribe")
	}

	if err := b.Publish(context.Background(), "a", []byte("one")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	msg := readEvent(t, conn, "message")
	if msg["data"] != "one" {
		t.Fatalf("message = %v", msg)
	}

	// Nothing further should arrive on a single pump.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected extra frame %s", data)
	}
}

func TestWSPartialUnsubscribe(t *testing.T) {
	b := broker.NewMemory()
	gw, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"subscribe":["a","b"]}`)
	readEvent(t, conn, "subscribe")
	writeFrame(t, conn, `{"unsubscribe":["a"]}`)
	readEvent(t, conn, "unsubscribe")

	client := soleClient(t, gw)
	if names := client.channelNames(); !reflect.DeepEqual(names, []string{"b"}) {
		t.Fatalf("channels = %v, want [b]", names)
	}

	ctx := context.Background()
	if err := b.Publish(ctx, "a", []byte("dead")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := b.Publish(ctx, "b", []byte("alive")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	msg := readEvent(t, conn, "message")
	if msg["channel"] != "b" || msg["data"] != "alive" {
		t.Fatalf("message = %v", msg)
	}
}

func TestWSUnsubscribeEmptyDropsState(t *testing.T) {
	b := broker.NewMemory()
	gw, srv := newWSServer(t, WSConfig{}, b, nil)
	conn := dialWS(t, srv)

	writeFrame(t, conn, `{"subscribe":["news"]}`)
	readEvent(t, conn, "subscribe")
	if got := testutil.ToFloat64(gw.Stats().PubSubConnections); got != 1 {
		t.Fatalf("pubsub connections = %v, want 1", got)
	}

	writeFrame(t, conn, `{"unsubscribe":[]}`)
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(gw.Stats().PubSubConnections) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pub/sub state not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	gw.mu.Lock()
	n := len(gw.clients)
	gw.mu.Unlock()
	if n != 0 {
		t.Fatalf("clients = %d, want 0", n)
	}
}

func TestWSSubscribeAuth(t *testing.T) {
	b := broker.NewMemory()
	authorizer := auth.NewTokenSet([]string{auth.HashToken("letmein")})
	_, srv := newWSServer(t, WSConfig{}, b, authorizer)
	conn := dialWS(t, srv)

	// Rejected silently, then accepted: the only confirmation is the
	// authorized one.
	writeFrame(t, conn, `{"subscribe":["news"]}`)
	writeFrame(t, conn, `{"subscribe":["news"],"token":"letmein"}`)
	ev := readEvent(t, conn, "subscribe")
	if ev["channel"] != "news" || ev["data"] != float64(1) {
		t.Fatalf("confirmation = %v", ev)
	}
}

func TestWSFallbackHTTP(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, protocol.DefaultQueue, func(env map[string]any) []byte {
		return []byte(`"pong"`)
	})
	gw := NewWS(WSConfig{Fallback: "http", Timeout: 2 * time.Second}, b, nil, discardLogger())
	gw.SetHTTPFallback(NewHTTP(HTTPConfig{Timeout: 2 * time.Second}, b, discardLogger()))
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `"pong"` {
		t.Fatalf("response = %d %q", resp.StatusCode, body)
	}
}

func TestWSRejectsPlainHTTP(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{}, b, nil)

	resp, err := http.Get(srv.URL + "/anything")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if string(body) != "WebSocket connection is expected here." {
		t.Fatalf("body = %q", body)
	}
}

func TestWSMetricsEndpoint(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{}, b, nil)

	// Open and close a socket so the counters move.
	conn := dialWS(t, srv)
	conn.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "bluecollar_websocket_connections_handled_total") {
		t.Fatalf("metrics exposition missing counter:\n%s", body)
	}
}

func TestWSLongPoll(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{LongPolling: true}, b, nil)

	// Publish until the poller picks a message up; early ticks land
	// before the subscription exists and are dropped.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				b.Publish(context.Background(), "news", []byte("flash"))
			}
		}
	}()

	resp, err := http.Get(srv.URL + "/sub/xhr/?subscribe=news")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	var ev map[string]any
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev["type"] != "message" || ev["channel"] != "news" || ev["data"] != "flash" {
		t.Fatalf("event = %v", ev)
	}
}

func TestWSLongPollTimeout(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{LongPolling: true, Timeout: 50 * time.Millisecond}, b, nil)

	resp, err := http.Get(srv.URL + "/xhr/?subscribe=quiet")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	var doc protocol.ErrorReply
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal error doc: %v", err)
	}
	if doc.Message != "Requested timed out." {
		t.Fatalf("message = %q", doc.Message)
	}
}

func TestWSLongPollRequiresChannels(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{LongPolling: true}, b, nil)

	resp, err := http.Get(srv.URL + "/xhr/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var doc protocol.ErrorReply
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal error doc: %v", err)
	}
	if doc.Message != "No channels to subscribe." {
		t.Fatalf("message = %q", doc.Message)
	}
}

func TestWSLongPollDisabled(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{}, b, nil)

	resp, err := http.Get(srv.URL + "/xhr/?subscribe=news")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if string(body) != "WebSocket connection is expected here." {
		t.Fatalf("body = %q", body)
	}
}

func TestWSLongPollJSONP(t *testing.T) {
	b := broker.NewMemory()
	_, srv := newWSServer(t, WSConfig{LongPolling: true}, b, nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				b.Publish(context.Background(), "news", []byte("flash"))
			}
		}
	}()

	resp, err := http.Get(srv.URL + "/xhr/?subscribe=news&callback=cb")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if ct := resp.Header.Get("Content-Type"); ct != "text/javascript" {
		t.Fatalf("content type = %q, want text/javascript", ct)
	}
	text := string(body)
	if !strings.HasPrefix(text, "cb(") || !strings.HasSuffix(text, ");") {
		t.Fatalf("body = %q, want cb(...);", text)
	}
}
