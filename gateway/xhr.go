package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bluecollar-io/bluecollar/protocol"
)

// xhrRequest is one long-poll subscription request.
type xhrRequest struct {
	channels []string
	token    string
	callback string
	query    url.Values
}

// parseXHR reads channels from the query string on GET and from a JSON
// body on POST. The callback parameter always comes from the query string
// but a POST body may override it.
func parseXHR(r *http.Request) (xhrRequest, error) {
	req := xhrRequest{query: r.URL.Query()}
	req.callback = req.query.Get("callback")

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return req, errors.New("Unable to read POST data.")
		}
		var frame struct {
			Subscribe []string `json:"subscribe"`
			Token     string   `json:"token"`
			Callback  string   `json:"callback"`
		}
		if err := json.Unmarshal(body, &frame); err != nil {
			return req, errors.New("Unable to JSON decode request.")
		}
		req.channels = frame.Subscribe
		req.token = frame.Token
		if frame.Callback != "" {
			req.callback = frame.Callback
		}
		return req, nil
	}

	req.channels = req.query["subscribe"]
	req.token = req.query.Get("token")
	return req, nil
}

// serveXHR runs one long-poll cycle for clients that cannot hold a
// WebSocket: subscribe to the requested channels, relay the first message
// event, and tear the subscription down.
func (g *WS) serveXHR(w http.ResponseWriter, r *http.Request) {
	req, err := parseXHR(r)
	if err != nil {
		g.writeXHR(w, req, http.StatusBadRequest, protocol.EncodeError(err.Error(), http.StatusBadRequest))
		return
	}
	if len(req.channels) == 0 {
		g.writeXHR(w, req, http.StatusBadRequest, protocol.EncodeError("No channels to subscribe.", http.StatusBadRequest))
		return
	}

	clientID := protocol.NewReplyChannel(g.cfg.ReplyPrefix)
	if !g.auth.AuthorizeSubscribe(clientID, req.channels, req.token) {
		g.log.Warn("long-poll subscribe rejected", "channels", req.channels)
		g.writeXHR(w, req, http.StatusForbidden, protocol.EncodeError("Subscription not authorized.", http.StatusForbidden))
		return
	}

	sub, err := g.broker.Subscribe(r.Context(), req.channels...)
	if err != nil {
		g.log.Error("pubsub connect failed", "error", err)
		g.writeXHR(w, req, http.StatusGatewayTimeout, protocol.EncodeError("Application did not respond in a timely fashion.", http.StatusGatewayTimeout))
		return
	}
	defer sub.Close()

	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				g.writeXHR(w, req, http.StatusGatewayTimeout, protocol.EncodeError("Requested timed out.", http.StatusGatewayTimeout))
				return
			}
			// Subscribe confirmations are not worth waking the poller for.
			if ev.Type != "message" {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			g.stats.PubSubEvents.Inc()
			g.writeXHR(w, req, http.StatusOK, payload)
			return
		case <-timer.C:
			g.writeXHR(w, req, http.StatusGatewayTimeout, protocol.EncodeError("Requested timed out.", http.StatusGatewayTimeout))
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeXHR writes a long-poll response, honoring JSONP callbacks and the
// response-code suppression flag.
func (g *WS) writeXHR(w http.ResponseWriter, req xhrRequest, status int, body []byte) {
	contentType := "application/json"
	if req.callback != "" {
		body = []byte(req.callback + "(" + string(body) + ");")
		contentType = "text/javascript"
	}
	if status != http.StatusOK && suppressed(req.query) {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	w.Write(body)
}
