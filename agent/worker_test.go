package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttfgw/ttf/protocol"
)

func testAgent(t *testing.T, localURL string) *Agent {
	t.Helper()
	parsed, err := url.Parse(localURL)
	if err != nil {
		t.Fatalf("parse local url %q: %v", localURL, err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse local port %q: %v", parsed.Port(), err)
	}

	cfg := DefaultConfig()
	cfg.Endpoint = "ws://unused.invalid"
	cfg.LocalHost = parsed.Hostname()
	cfg.LocalPort = port
	cfg.RequestTimeout = time.Second
	a, err := New(cfg, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestForwardToLocalRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("expected X-Test header forwarded")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(201)
		_, _ = w.Write([]byte("upstream body"))
	}))
	defer srv.Close()

	a := testAgent(t, srv.URL)

	req := protocol.HTTPRequest{
		RequestID: "req_1",
		Method:    "GET",
		URI:       "/hello",
		Headers:   protocol.Headers{"X-Test": {"yes"}},
		Body:      protocol.EncodeBody(nil),
	}

	frame, err := a.forwardToLocal(context.Background(), req)
	if err != nil {
		t.Fatalf("forwardToLocal: %v", err)
	}
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil || env.Type != protocol.TypeHTTPResponse {
		t.Fatalf("expected http_response frame, got %v err=%v", env, err)
	}
	var resp protocol.HTTPResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body, _ := protocol.DecodeBody(resp.Body)
	if string(body) != "upstream body" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestForwardToLocalUnavailableWhenServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := srv.URL
	srv.Close() // nothing is listening anymore

	a := testAgent(t, closedURL)
	req := protocol.HTTPRequest{RequestID: "req_2", Method: "GET", URI: "/x", Body: protocol.EncodeBody(nil)}

	_, err := a.forwardToLocal(context.Background(), req)
	if err == nil {
		t.Fatal("expected error when local service is down")
	}
	if errorCodeFor(err) != protocol.ErrorCodeLocalServiceUnavailable {
		t.Fatalf("expected LocalServiceUnavailable, got %v", errorCodeFor(err))
	}
}
