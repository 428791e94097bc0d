package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

func TestAPIGateway_Process_Success(t *testing.T) {
	t.Parallel()

	var captured processRequest
	var contentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		b, _ := ioReadAll(r)
		_ = json.Unmarshal(b, &captured)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Response":"We got it","STATUS":"ok","messageId":"ext-9","timestamp":"2026-03-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	g := NewAPIGateway(srv.URL, time.Second)
	g.newID = func() string { return "corr-1" }

	reply, err := g.Process(context.Background(), "+15550001111", "help")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if reply.Response != "We got it" {
		t.Fatalf("expected response %q, got %q", "We got it", reply.Response)
	}
	if reply.Status != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", reply.Status)
	}
	if reply.MessageID != "ext-9" {
		t.Fatalf("expected messageId %q, got %q", "ext-9", reply.MessageID)
	}
	if reply.Timestamp != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected timestamp %q", reply.Timestamp)
	}

	if contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}
	if captured.From != "+15550001111" || captured.Body != "help" {
		t.Fatalf("unexpected request payload: %+v", captured)
	}
	if captured.MessageID != "corr-1" {
		t.Fatalf("expected correlation id %q, got %q", "corr-1", captured.MessageID)
	}
	if captured.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestAPIGateway_Process_FreshCorrelationIDPerCall(t *testing.T) {
	t.Parallel()

	ids := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		b, _ := ioReadAll(r)
		_ = json.Unmarshal(b, &req)
		ids <- req.MessageID
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	g := NewAPIGateway(srv.URL, time.Second)
	for range 2 {
		if _, err := g.Process(context.Background(), "+1", "hi"); err != nil {
			t.Fatalf("Process() error: %v", err)
		}
	}

	first, second := <-ids, <-ids
	if first == "" || first == second {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", first, second)
	}
}

func TestAPIGateway_Process_ErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   ErrorKind
		wantStatus int
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", wantKind: KindServerError, wantStatus: http.StatusBadGateway},
		{name: "client error", status: http.StatusBadRequest, body: "bad", wantKind: KindServerError, wantStatus: http.StatusBadRequest},
		{name: "not json", status: http.StatusOK, body: "THIS IS NOT JSON", wantKind: KindMalformed, wantStatus: http.StatusOK},
		{name: "wrong shape", status: http.StatusOK, body: `["response"]`, wantKind: KindMalformed, wantStatus: http.StatusOK},
		{name: "empty response", status: http.StatusOK, body: `{"response":"","status":"ok"}`, wantKind: KindMalformed, wantStatus: http.StatusOK},
		{name: "missing response", status: http.StatusOK, body: `{"status":"ok"}`, wantKind: KindMalformed, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewAPIGateway(srv.URL, time.Second).Process(context.Background(), "+1", "hi")

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.Kind != tt.wantKind {
				t.Fatalf("expected kind %q, got %q (%v)", tt.wantKind, apiErr.Kind, err)
			}
			if apiErr.StatusCode != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, apiErr.StatusCode)
			}
		})
	}
}

func TestAPIGateway_Process_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewAPIGateway(srv.URL, 30*time.Millisecond).Process(context.Background(), "+1", "hi")
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestAPIGateway_Process_Network(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewAPIGateway(url, time.Second).Process(context.Background(), "+1", "hi")
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}

type stubSettings struct {
	mu  sync.Mutex
	s   model.Settings
	err error
}

func (s *stubSettings) GetSettings(context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s, s.err
}

func (s *stubSettings) setURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.APIURL = u
}

func TestAPIGateway_Process_FollowsStoredAPIURL(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB, hitsDefault int
	var mu sync.Mutex
	handler := func(hits *int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			*hits++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "ok"})
		}
	}
	srvA := httptest.NewServer(handler(&hitsA))
	defer srvA.Close()
	srvB := httptest.NewServer(handler(&hitsB))
	defer srvB.Close()
	srvDefault := httptest.NewServer(handler(&hitsDefault))
	defer srvDefault.Close()

	settings := &stubSettings{s: model.Settings{APIURL: srvA.URL}}
	g := NewAPIGateway(srvDefault.URL, time.Second).WithSettings(settings)

	if _, err := g.Process(context.Background(), "+1", "first"); err != nil {
		t.Fatalf("first Process() error: %v", err)
	}

	settings.setURL(srvB.URL)
	if _, err := g.Process(context.Background(), "+1", "second"); err != nil {
		t.Fatalf("second Process() error: %v", err)
	}

	settings.setURL("  ")
	if _, err := g.Process(context.Background(), "+1", "third"); err != nil {
		t.Fatalf("third Process() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hitsA != 1 || hitsB != 1 || hitsDefault != 1 {
		t.Fatalf("expected one call per endpoint, got a=%d b=%d default=%d", hitsA, hitsB, hitsDefault)
	}
}

func TestAPIGateway_Process_SettingsErrorFallsBack(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "ok"})
	}))
	defer srv.Close()

	g := NewAPIGateway(srv.URL, time.Second).WithSettings(&stubSettings{err: errors.New("db down")})
	if _, err := g.Process(context.Background(), "+1", "hi"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if !called.Load() {
		t.Fatalf("expected the configured URL to be used")
	}
}

func TestRawScalar(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		``:                       "",
		`null`:                   "",
		`"2026-03-01T10:00:00Z"`: "2026-03-01T10:00:00Z",
		`1740823200`:             "1740823200",
	}
	for in, want := range cases {
		if got := rawScalar(json.RawMessage(in)); got != want {
			t.Fatalf("rawScalar(%q) = %q, want %q", in, got, want)
		}
	}
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
