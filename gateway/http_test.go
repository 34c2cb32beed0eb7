package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bluecollar-io/bluecollar/broker"
	"github.com/bluecollar-io/bluecollar/protocol"
)

func TestHTTPGetRoundTrip(t *testing.T) {
	b := broker.NewMemory()
	var got map[string]any
	startResponder(t, b, protocol.DefaultQueue, func(env map[string]any) []byte {
		got = env
		return []byte("8")
	})

	g := NewHTTP(HTTPConfig{Timeout: 2 * time.Second}, b, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/calculator.add/5/3?precision=2&blank=", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if body := rec.Body.String(); body != "8" {
		t.Fatalf("body = %q, want 8", body)
	}

	if got["method"] != "calculator.add" {
		t.Fatalf("method = %v", got["method"])
	}
	args, _ := got["args"].([]any)
	if len(args) != 2 || args[0] != "5" || args[1] != "3" {
		t.Fatalf("args = %v", args)
	}
	kwargs, _ := got["kwargs"].(map[string]any)
	if _, ok := kwargs["blank"]; ok {
		t.Fatal("blank query value should be dropped")
	}
	precision, _ := kwargs["precision"].([]any)
	if len(precision) != 1 || precision[0] != "2" {
		t.Fatalf("precision kwarg = %v", kwargs["precision"])
	}
	if reply, _ := got["reply_channel"].(string); !strings.HasPrefix(reply, "bc_") {
		t.Fatalf("reply channel = %v", got["reply_channel"])
	}
}

func TestHTTPPostRoundTrip(t *testing.T) {
	b := broker.NewMemory()
	var got map[string]any
	startResponder(t, b, protocol.DefaultQueue, func(env map[string]any) []byte {
		got = env
		return []byte(`"pong"`)
	})

	g := NewHTTP(HTTPConfig{Timeout: 2 * time.Second}, b, discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"method":"ping","args":[1]}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != `"pong"` {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	if got["method"] != "ping" {
		t.Fatalf("method = %v", got["method"])
	}
	if reply, _ := got["reply_channel"].(string); !strings.HasPrefix(reply, "bc_") {
		t.Fatalf("reply channel not stamped: %v", got["reply_channel"])
	}
}

func TestHTTPRejectsOtherVerbs(t *testing.T) {
	g := NewHTTP(HTTPConfig{}, broker.NewMemory(), discardLogger())
	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := httptest.NewRequest(method, "/ping", nil)
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("%s status = %d, want 501", method, rec.Code)
		}
		want := "501: Method not implemented. Only GET/POST are expected."
		if body := rec.Body.String(); body != want {
			t.Fatalf("%s body = %q, want %q", method, body, want)
		}
	}
}

func TestHTTPPrefixMismatch(t *testing.T) {
	g := NewHTTP(HTTPConfig{Prefix: "/api/"}, broker.NewMemory(), discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/other/ping", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	want := "500: Expected prefix /api/ not found in request path."
	if body := rec.Body.String(); body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}

func TestHTTPPostBadBody(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"malformed", `{"method":`, "500: Unable to parse JSON data in POST."},
		{"array", `[1,2]`, "500: Expected dict in POST data, received array"},
		{"string", `"hi"`, "500: Expected dict in POST data, received string"},
		{"null", `null`, "500: Expected dict in POST data, received null"},
	}
	g := NewHTTP(HTTPConfig{}, broker.NewMemory(), discardLogger())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			g.ServeHTTP(rec, req)
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if body := rec.Body.String(); body != tc.want {
				t.Fatalf("body = %q, want %q", body, tc.want)
			}
		})
	}
}

func TestHTTPTimeout(t *testing.T) {
	g := NewHTTP(HTTPConfig{Timeout: 50 * time.Millisecond}, broker.NewMemory(), discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	want := "500: Timed out waiting for response."
	if body := rec.Body.String(); body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}
